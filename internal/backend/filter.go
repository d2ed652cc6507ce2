package backend

import (
	"strings"
	"unicode"
)

// maxDirectionRunes bounds how much text an open marker may hold back
const maxDirectionRunes = 80

// StageDirectionFilter removes *emphasised* and [bracketed] stage
// directions from a streamed response. Markers may be split across deltas.
// Text after an opening marker is held until the marker closes; a marker
// that does not close within maxDirectionRunes or before a newline is
// spoken as it was written, and so is an asterisk followed by a space.
type StageDirectionFilter struct {
	closer rune   // closing marker of the held direction, 0 when none
	held   []rune // opening marker and the text after it
}

// Feed returns the speakable part of delta
func (f *StageDirectionFilter) Feed(delta string) string {
	var b strings.Builder
	b.Grow(len(delta))
	f.feed(&b, []rune(delta))
	return b.String()
}

func (f *StageDirectionFilter) feed(b *strings.Builder, runes []rune) {
	for i, r := range runes {
		if f.closer == 0 {
			switch r {
			case '[':
				f.closer, f.held = ']', []rune{r}
			case '*':
				f.closer, f.held = '*', []rune{r}
			default:
				b.WriteRune(r)
			}
			continue
		}

		switch {
		case r == f.closer:
			f.closer, f.held = 0, nil
		case r == '\n',
			len(f.held) >= maxDirectionRunes,
			f.closer == '*' && len(f.held) == 1 && unicode.IsSpace(r):
			f.release(b, runes[i:])
			return
		default:
			f.held = append(f.held, r)
		}
	}
}

// release speaks the opening marker and filters what followed it again
func (f *StageDirectionFilter) release(b *strings.Builder, rest []rune) {
	held := f.held
	f.closer, f.held = 0, nil

	b.WriteRune(held[0])
	again := make([]rune, 0, len(held)-1+len(rest))
	again = append(again, held[1:]...)
	again = append(again, rest...)
	f.feed(b, again)
}

// Flush returns text held behind a marker that never closed
func (f *StageDirectionFilter) Flush() string {
	if f.closer == 0 {
		return ""
	}
	var b strings.Builder
	f.release(&b, nil)
	return b.String()
}

// Reset forgets any open marker
func (f *StageDirectionFilter) Reset() {
	f.closer = 0
	f.held = nil
}
