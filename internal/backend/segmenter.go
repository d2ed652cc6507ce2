package backend

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SegmenterConfig bounds chunk sizes in characters
type SegmenterConfig struct {
	MaxChars int // forced boundary when no sentence ends sooner
	MinChars int // shorter sentences merge into the next one
}

// DefaultSegmenterConfig returns the default chunk bounds
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{MaxChars: 100, MinChars: 15}
}

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "vs": true, "etc": true,
	"e.g": true, "i.e": true, "inc": true, "ltd": true, "co": true,
	"no": true, "approx": true, "dept": true, "est": true, "min": true,
}

// Segmenter turns a stream of text into speakable chunks at sentence
// boundaries
type Segmenter struct {
	cfg     SegmenterConfig
	buf     string
	pending string
}

// NewSegmenter creates a segmenter
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultSegmenterConfig().MaxChars
	}
	return &Segmenter{cfg: cfg}
}

// Push appends text and returns every chunk that is complete
func (s *Segmenter) Push(text string) []string {
	s.buf += text

	var chunks []string
	for {
		if end := sentenceEnd(s.buf); end > 0 {
			chunks = s.emit(chunks, s.buf[:end])
			s.buf = strings.TrimLeftFunc(s.buf[end:], unicode.IsSpace)
			continue
		}
		if utf8.RuneCountInString(s.buf) > s.cfg.MaxChars {
			cut := forcedCut(s.buf, s.cfg.MaxChars)
			chunks = s.emit(chunks, s.buf[:cut])
			s.buf = strings.TrimLeftFunc(s.buf[cut:], unicode.IsSpace)
			continue
		}
		return chunks
	}
}

// Flush returns whatever remains at the end of the stream
func (s *Segmenter) Flush() []string {
	chunks := s.emit(nil, s.buf)
	s.buf = ""
	if s.pending != "" {
		chunks = append(chunks, s.pending)
		s.pending = ""
	}
	return chunks
}

// emit merges sentence into any pending short text and appends the result,
// cut so that no chunk exceeds MaxChars. A short tail stays pending.
func (s *Segmenter) emit(chunks []string, sentence string) []string {
	text := normalize(s.pending + " " + sentence)
	s.pending = ""
	for utf8.RuneCountInString(text) > s.cfg.MaxChars {
		cut := forcedCut(text, s.cfg.MaxChars)
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimLeftFunc(text[cut:], unicode.IsSpace)
	}
	if text == "" {
		return chunks
	}
	if utf8.RuneCountInString(text) < s.cfg.MinChars {
		s.pending = text
		return chunks
	}
	return append(chunks, text)
}

// sentenceEnd returns the byte offset just past the first sentence
// terminator that is followed by whitespace, or 0
func sentenceEnd(text string) int {
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}

		// Skip closing quotes and brackets after the terminator
		j := i + 1
		for j < len(text) && strings.IndexByte(`"')`, text[j]) >= 0 {
			j++
		}
		if j >= len(text) {
			return 0
		}
		next, _ := utf8.DecodeRuneInString(text[j:])
		if !unicode.IsSpace(next) {
			continue
		}
		if r == '.' && isAbbreviation(text[:i]) {
			continue
		}
		return j
	}
	return 0
}

func isAbbreviation(before string) bool {
	start := strings.LastIndexFunc(before, unicode.IsSpace) + 1
	word := strings.ToLower(before[start:])
	word = strings.TrimLeft(word, `"'(`)
	if abbreviations[word] {
		return true
	}
	// Single-letter initials such as "J. R. R."
	return utf8.RuneCountInString(word) == 1 && unicode.IsLetter([]rune(word)[0])
}

// forcedCut returns the byte offset at which to split an over-long run,
// preferring the last space within max runes
func forcedCut(text string, max int) int {
	limit := len(text)
	count := 0
	for i := range text {
		if count == max {
			limit = i
			break
		}
		count++
	}

	if space := strings.LastIndexFunc(text[:limit], unicode.IsSpace); space > 0 {
		return space
	}
	return limit
}

func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
