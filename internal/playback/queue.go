package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/lexiqai/voicecall/internal/audio"
	"github.com/lexiqai/voicecall/internal/backend"
)

// Synthesizer turns one sentence into audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (audio.Clip, error)
}

// Player renders a clip, returning early when ctx is cancelled
type Player interface {
	Play(ctx context.Context, clip audio.Clip) error
}

type result struct {
	chunk  backend.SentenceChunk
	clip   audio.Clip
	failed bool
}

// Queue synthesizes sentence chunks concurrently and plays them strictly in
// sequence order. A response is one generation of chunks: Reset starts a new
// generation and discards anything left from the previous one.
type Queue struct {
	synth  Synthesizer
	player Player
	sem    *semaphore.Weighted
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu            sync.Mutex
	generation    uint64
	genCtx        context.Context
	genCancel     context.CancelFunc
	results       map[int]result
	enqueued      int
	nextSeq       int
	sealed        bool
	paused        bool
	playing       bool
	playCancel    context.CancelFunc
	cutOff        bool // Interrupt cancelled the chunk now playing
	completeFired bool
	onComplete    func()
	onChunk       func(backend.SentenceChunk, audio.Clip)
	onSynthError  func(error)
}

// NewQueue creates a queue and starts its player goroutine. workers bounds
// concurrent syntheses.
func NewQueue(synth Synthesizer, player Player, workers int, logger zerolog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	genCtx, genCancel := context.WithCancel(ctx)

	q := &Queue{
		synth:     synth,
		player:    player,
		sem:       semaphore.NewWeighted(int64(workers)),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		genCtx:    genCtx,
		genCancel: genCancel,
		results:   make(map[int]result),
	}
	go q.run()
	return q
}

// OnComplete registers fn, fired once per sealed response when every chunk
// has played (or failed) and the queue is not paused
func (q *Queue) OnComplete(fn func()) {
	q.mu.Lock()
	q.onComplete = fn
	q.mu.Unlock()
}

// OnChunk registers fn, fired as each chunk starts playing
func (q *Queue) OnChunk(fn func(backend.SentenceChunk, audio.Clip)) {
	q.mu.Lock()
	q.onChunk = fn
	q.mu.Unlock()
}

// OnSynthesisError registers fn, fired for each chunk that fails to
// synthesize
func (q *Queue) OnSynthesisError(fn func(error)) {
	q.mu.Lock()
	q.onSynthError = fn
	q.mu.Unlock()
}

// Enqueue schedules chunk for synthesis. Chunks of one response must carry
// sequence numbers 0, 1, 2, ...
func (q *Queue) Enqueue(chunk backend.SentenceChunk) {
	q.mu.Lock()
	if q.sealed {
		q.mu.Unlock()
		q.logger.Warn().Int("sequence", chunk.Sequence).Msg("Chunk enqueued after seal, dropping")
		return
	}
	q.enqueued++
	gen, ctx := q.generation, q.genCtx
	q.mu.Unlock()

	go q.synthesize(ctx, gen, chunk)
}

func (q *Queue) synthesize(ctx context.Context, gen uint64, chunk backend.SentenceChunk) {
	res := result{chunk: chunk}

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return
	}
	clip, err := q.synth.Synthesize(ctx, chunk.Text, chunk.Voice)
	q.sem.Release(1)

	if err != nil {
		res.failed = true
	} else {
		res.clip = clip
	}

	q.mu.Lock()
	if gen != q.generation {
		q.mu.Unlock()
		return
	}
	q.results[chunk.Sequence] = res
	onSynthError := q.onSynthError
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn().Err(err).Int("sequence", chunk.Sequence).Msg("Synthesis failed, skipping chunk")
		if onSynthError != nil && !errors.Is(err, context.Canceled) {
			onSynthError(err)
		}
	}
	q.signal()
}

// Seal marks the current response as complete; no more chunks follow
func (q *Queue) Seal() {
	q.mu.Lock()
	q.sealed = true
	q.mu.Unlock()
	q.signal()
}

// Interrupt pauses playback. The chunk being played is kept and starts
// over on Resume. Repeated calls have no further effect.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return
	}
	q.paused = true
	if q.playCancel != nil {
		q.cutOff = true
		q.playCancel()
	}
}

// Resume continues playback after Interrupt
func (q *Queue) Resume() {
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return
	}
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// Reset stops playback and discards every chunk of the current response,
// including syntheses still in flight
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.generation++
	q.genCancel()
	q.genCtx, q.genCancel = context.WithCancel(q.ctx)
	q.results = make(map[int]result)
	q.enqueued = 0
	q.nextSeq = 0
	q.sealed = false
	q.paused = false
	q.cutOff = false
	q.completeFired = false
	if q.playCancel != nil {
		q.playCancel()
	}
}

// IsPlaying reports whether a response is in progress and not paused
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.paused && (q.playing || q.nextSeq < q.enqueued)
}

// IsOutputting reports whether audio is being rendered right now
func (q *Queue) IsOutputting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing && !q.paused
}

// IsPaused reports whether playback is interrupted
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Close stops the player goroutine and cancels pending syntheses
func (q *Queue) Close() {
	q.cancel()
	<-q.done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
		for q.playNext() {
		}
	}
}

// playNext plays the next chunk in sequence if it is ready. It returns
// false when there is nothing to do until the next signal.
func (q *Queue) playNext() bool {
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return false
	}

	res, ok := q.results[q.nextSeq]
	if !ok {
		fire := q.completionLocked()
		q.mu.Unlock()
		if fire != nil {
			fire()
		}
		return false
	}
	delete(q.results, q.nextSeq)
	if res.failed {
		q.nextSeq++
		q.mu.Unlock()
		return true
	}

	gen := q.generation
	playCtx, cancel := context.WithCancel(q.ctx)
	q.playCancel = cancel
	q.cutOff = false
	q.playing = true
	onChunk := q.onChunk
	q.mu.Unlock()

	if onChunk != nil {
		onChunk(res.chunk, res.clip)
	}
	err := q.player.Play(playCtx, res.clip)
	cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.playing = false
	q.playCancel = nil
	cutOff := q.cutOff
	q.cutOff = false

	if q.ctx.Err() != nil {
		return false
	}
	if gen != q.generation {
		return true
	}
	if cutOff && err != nil {
		// Replay from the start, even if Resume already ran
		q.results[q.nextSeq] = res
		return !q.paused
	}
	if q.paused {
		q.nextSeq++
		return false
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Warn().Err(err).Int("sequence", res.chunk.Sequence).Msg("Playback failed, skipping chunk")
	}
	q.nextSeq++
	return true
}

// completionLocked returns the completion callback when the sealed
// response has drained
func (q *Queue) completionLocked() func() {
	if !q.sealed || q.completeFired || q.paused || q.playing || q.nextSeq < q.enqueued {
		return nil
	}
	q.completeFired = true
	return q.onComplete
}
