package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lexiqai/voicecall/internal/audio"
	"github.com/lexiqai/voicecall/internal/backend"
	"github.com/lexiqai/voicecall/internal/config"
	"github.com/lexiqai/voicecall/internal/netmon"
	"github.com/lexiqai/voicecall/internal/observability"
	"github.com/lexiqai/voicecall/internal/playback"
	"github.com/lexiqai/voicecall/internal/resilience"
	"github.com/lexiqai/voicecall/internal/store"
	"github.com/lexiqai/voicecall/internal/stt"
	"github.com/lexiqai/voicecall/internal/turn"
)

// Transcriber converts a segment to text; *stt.Client implements it
type Transcriber interface {
	Transcribe(ctx context.Context, segment audio.Segment) (stt.Transcript, error)
}

// Responder streams the assistant's reply; *backend.Consumer implements it
type Responder interface {
	Open(ctx context.Context, req backend.Request) (backend.Stream, error)
	Consume(ctx context.Context, stream backend.Stream, emit func(backend.SentenceChunk)) (string, error)
}

// Recorder persists turns and call usage without blocking; *store.Async
// implements it
type Recorder interface {
	SaveMessage(role, text, conversationID, userID string)
	RecordCallMetrics(userID string, durationSeconds float64, tier string, metrics observability.CallSummary)
}

// Params identify one call
type Params struct {
	CallID         string
	ConversationID string
	UserID         string
	Tier           string
}

// Config holds the per-call settings
type Config struct {
	Tuning           config.Tuning
	SynthesisWorkers int
	AllowedTiers     []string
	MaxAuthFailures  int
}

// Deps are the collaborators of one call. Monitor, Recorder, Sink and
// Credential may be nil.
type Deps struct {
	Device      audio.Device
	Transcriber Transcriber
	Responder   Responder
	Synthesizer playback.Synthesizer
	Monitor     *netmon.Monitor
	Recorder    Recorder
	Sink        StatusSink
	Credential  *Credential
}

const levelEventInterval = 100 * time.Millisecond

// Session runs one voice call: the sampling loop drives VAD and turn-taking,
// ready segments go through STT to the backend, and the reply is spoken
// through the playback queue
type Session struct {
	params Params
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	capture  *audio.Capture
	detector *audio.Detector
	turns    *turn.Controller
	queue    *playback.Queue
	metrics  *observability.CallMetrics
	levels   *rate.Limiter

	// processing gates dispatch so one segment is in flight at a time
	processing atomic.Bool

	mu                 sync.Mutex
	ctx                context.Context
	cancel             context.CancelFunc
	started            bool
	startedAt          time.Time
	status             Status
	offline            bool
	statusAfterOffline Status
	muted              bool
	authFailures       int
	awaitingCredential bool
	responseCancel     context.CancelFunc
	endErr             error

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a call. Nothing runs until Start.
func New(params Params, cfg Config, deps Deps) *Session {
	if cfg.MaxAuthFailures < 1 {
		cfg.MaxAuthFailures = 2
	}
	if deps.Credential == nil {
		deps.Credential = NewCredential("")
	}
	t := cfg.Tuning

	s := &Session{
		params:  params,
		cfg:     cfg,
		deps:    deps,
		logger:  observability.CallLogger(params.CallID, params.ConversationID, params.UserID),
		metrics: observability.NewCallMetrics(params.CallID, time.Now()),
		levels:  rate.NewLimiter(rate.Every(levelEventInterval), 1),
		done:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.capture = audio.NewCapture(deps.Device, audio.CaptureConfig{PreRoll: t.PreRoll})
	s.capture.OnSegment(func(seg audio.Segment) {
		s.metrics.RecordAudioBytes("inbound", seg.Size())
	})
	s.detector = audio.NewDetector(VADConfig(t))

	s.queue = playback.NewQueue(deps.Synthesizer, deps.Device, cfg.SynthesisWorkers, s.logger)
	s.queue.OnComplete(s.onPlaybackComplete)
	s.queue.OnChunk(func(chunk backend.SentenceChunk, clip audio.Clip) {
		s.metrics.RecordAudioBytes("outbound", len(clip.Data))
		s.emit(Event{Type: EventResponse, Text: chunk.Text})
	})
	s.queue.OnSynthesisError(s.onSynthesisError)

	s.turns = turn.NewController(TurnConfig(t), s.queue, s.detector.Threshold, turn.Events{
		OnInterrupt: s.onInterrupt,
		OnResume:    s.onResume,
		OnYield:     s.onYield,
		OnDiscard:   s.onDiscard,
	})
	return s
}

// ID returns the call ID
func (s *Session) ID() string {
	return s.params.CallID
}

// Start acquires the microphone, calibrates the VAD and begins listening.
// It blocks for the calibration window. Errors end the call.
func (s *Session) Start(ctx context.Context) error {
	if !Entitled(s.cfg.AllowedTiers, s.params.Tier) {
		s.logger.Warn().Str("tier", s.params.Tier).Msg("Call rejected, tier not entitled")
		return ErrNotEntitled
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrEnded
	}
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.capture.Start(s.ctx); err != nil {
		err = fmt.Errorf("failed to start capture: %w", err)
		s.emit(Event{Type: EventError, Code: CodeDevice, Message: err.Error()})
		s.stop(err)
		return err
	}

	calibrateCtx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(s.ctx, cancel)
	err := s.detector.Calibrate(calibrateCtx, s.sampleLevel)
	stopAfter()
	cancel()
	if err != nil {
		s.stop(err)
		return fmt.Errorf("calibration interrupted: %w", err)
	}

	if m := s.deps.Monitor; m != nil {
		m.OnChange(s.onQualityChange)
		m.Start(s.ctx)
	}

	now := time.Now()
	s.detector.StartRecording(now)
	if _, err := s.capture.Restart(); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to discard calibration audio")
	}
	s.setStatus(StatusListening)

	s.wg.Add(2)
	go s.sampleLoop()
	go s.watchdog()

	s.logger.Info().
		Float64("threshold", s.detector.Threshold()).
		Str("tier", s.params.Tier).
		Msg("Call started")
	return nil
}

// Stop ends the call and returns once teardown has finished. Further calls
// have no effect.
func (s *Session) Stop() {
	s.stop(nil)
}

// End stops the call with reason, e.g. a device failure reported by the
// transport
func (s *Session) End(reason error) {
	if isDeviceError(reason) {
		s.emit(Event{Type: EventError, Code: CodeDevice, Message: reason.Error()})
	}
	s.stop(reason)
}

// Done is closed when the call has ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the call ended; nil for a normal stop
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

// Status returns the last status sent to the caller
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TurnState returns the turn-taking state
func (s *Session) TurnState() turn.State {
	return s.turns.State()
}

// Mute stops listening without ending the call
func (s *Session) Mute() {
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
	s.turns.SetMuted(true)
	s.logger.Info().Msg("Microphone muted")
}

// Unmute resumes listening; audio recorded while muted is discarded
func (s *Session) Unmute() {
	s.mu.Lock()
	s.muted = false
	s.mu.Unlock()
	s.turns.SetMuted(false)
	s.restartRecording(time.Now())
	s.logger.Info().Msg("Microphone unmuted")
}

// UpdateCredential swaps the caller's token after an authentication failure
func (s *Session) UpdateCredential(token string) {
	s.deps.Credential.Set(token)
	s.mu.Lock()
	s.awaitingCredential = false
	s.mu.Unlock()
	s.logger.Info().Msg("Credential updated")
}

func (s *Session) sampleLevel() (float64, error) {
	if !s.capture.IsCapturing() {
		return 0, audio.ErrNotCapturing
	}
	return s.capture.Level(), nil
}

func (s *Session) sampleLoop() {
	defer s.wg.Done()

	interval := s.cfg.Tuning.SampleInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sample(now)
		}
	}
}

// sample runs one tick of the sampling loop
func (s *Session) sample(now time.Time) {
	level := s.capture.Level()
	if s.levels.AllowN(now, 1) {
		s.emit(Event{Type: EventLevel, Level: level})
	}

	s.mu.Lock()
	muted := s.muted
	s.mu.Unlock()
	if muted {
		return
	}

	s.turns.Observe(level, now)

	// The assistant's own voice must not open a segment
	if s.turns.State() == turn.AssistantSpeaking {
		return
	}
	if s.detector.OnSample(level, now) == audio.SegmentReady {
		s.dispatch(now)
	}
}

// dispatch closes the current segment and hands it to STT
func (s *Session) dispatch(now time.Time) {
	s.mu.Lock()
	awaiting := s.awaitingCredential
	s.mu.Unlock()

	if awaiting || !s.processing.CompareAndSwap(false, true) {
		s.restartRecording(now)
		s.logger.Debug().Bool("awaiting_credential", awaiting).Msg("Segment dropped, previous turn still in progress")
		return
	}

	segment, err := s.capture.Restart()
	s.detector.StartRecording(now)
	if err != nil {
		s.processing.Store(false)
		s.logger.Warn().Err(err).Msg("Failed to close segment")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.processing.Store(false)
		s.processSegment(segment)
	}()
}

func (s *Session) restartRecording(now time.Time) {
	if _, err := s.capture.Restart(); err != nil && !errors.Is(err, audio.ErrNotCapturing) {
		s.logger.Debug().Err(err).Msg("Failed to restart recording")
	}
	s.detector.StartRecording(now)
}

func (s *Session) processSegment(segment audio.Segment) {
	ctx := s.ctx
	s.setStatus(StatusTranscribing)

	start := time.Now()
	transcript, err := s.deps.Transcriber.Transcribe(ctx, segment)
	s.metrics.ObserveRequest("stt", time.Since(start), err == nil)
	if err != nil {
		s.transcriptionFailed(ctx, err)
		return
	}

	s.mu.Lock()
	s.authFailures = 0
	s.mu.Unlock()

	s.detector.MarkProcessed(time.Now())
	s.logger.Info().
		Float64("confidence", transcript.Confidence).
		Int("chars", len(transcript.Text)).
		Msg("Transcript accepted")
	s.emit(Event{Type: EventTranscript, Text: transcript.Text})
	s.record(store.RoleUser, transcript.Text)

	s.respond(ctx, transcript.Text)
}

func (s *Session) transcriptionFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now()

	switch {
	case errors.Is(err, resilience.ErrLowSignal):
		s.logger.Debug().Err(err).Str("reason", stt.RejectionReason(err)).Msg("Segment rejected")
		s.detector.MarkRejected(now)
	case isAuthError(err):
		s.authFailed("stt", err)
	default:
		s.logger.Warn().Err(err).Msg("Transcription failed")
		s.metrics.RecordError("transcription", "stt")
		s.emit(Event{Type: EventError, Code: CodeTranscribe, Message: "We couldn't hear that clearly. Please try again."})
	}

	s.turns.TranscriptRejected(now)
	s.settleStatus()
}

// respond streams the reply to text into the playback queue
func (s *Session) respond(ctx context.Context, text string) {
	s.setStatus(StatusThinking)

	respCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.responseCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.responseCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	req := backend.Request{
		Text:           text,
		ConversationID: s.params.ConversationID,
		UserID:         s.params.UserID,
	}

	start := time.Now()
	stream, err := s.deps.Responder.Open(respCtx, req)
	s.metrics.ObserveRequest("backend", time.Since(start), err == nil)
	if err != nil {
		if respCtx.Err() != nil {
			return
		}
		if isAuthError(err) {
			s.authFailed("backend", err)
		} else {
			s.logger.Warn().Err(err).Msg("Backend unavailable")
			s.metrics.RecordError("backend_open", "backend")
			s.emit(Event{Type: EventError, Code: CodeBackend, Message: "The assistant is unavailable right now. Please try again."})
		}
		s.turns.TranscriptRejected(time.Now())
		s.settleStatus()
		return
	}
	defer stream.Close()

	// The new turn replaces whatever was paused
	s.turns.TranscriptForwarded()
	s.metrics.RecordTurn()
	s.queue.Reset()

	spokeFirst := false
	spoken, err := s.deps.Responder.Consume(respCtx, stream, func(chunk backend.SentenceChunk) {
		if !spokeFirst {
			spokeFirst = true
			s.turns.AssistantStarted()
			s.setStatus(StatusSpeaking)
		}
		s.queue.Enqueue(chunk)
	})
	s.queue.Seal()

	if err != nil && respCtx.Err() == nil {
		s.logger.Warn().Err(err).Msg("Response stream failed")
		s.metrics.RecordError("backend_stream", "backend")
		if !spokeFirst {
			s.emit(Event{Type: EventError, Code: CodeBackend, Message: "The assistant stopped responding. Please try again."})
		}
	}
	if spoken != "" {
		s.record(store.RoleAssistant, spoken)
	}
}

func (s *Session) authFailed(component string, err error) {
	s.metrics.RecordError("authentication", component)

	s.mu.Lock()
	s.authFailures++
	failures := s.authFailures
	s.awaitingCredential = true
	s.mu.Unlock()

	if failures >= s.cfg.MaxAuthFailures {
		s.logger.Error().Err(err).Str("component", component).Msg("Authentication failed again, ending call")
		go s.stop(err)
		return
	}
	s.logger.Warn().Err(err).Str("component", component).Msg("Authentication failed, waiting for a new credential")
	s.emit(Event{Type: EventError, Code: CodeAuthRequired, Message: "Your session expired. Sign in again to continue the call."})
}

func (s *Session) onSynthesisError(err error) {
	if isAuthError(err) {
		s.authFailed("tts", err)
		return
	}
	s.metrics.RecordError("synthesis", "tts")
	s.emit(Event{Type: EventError, Code: CodeSynthesis, Message: "Part of the reply could not be spoken."})
}

func (s *Session) onPlaybackComplete() {
	if s.ctx.Err() != nil {
		return
	}
	s.turns.AssistantFinished()
	s.restartRecording(time.Now())
	s.setStatus(StatusListening)
}

func (s *Session) onInterrupt() {
	s.metrics.RecordInterruption()
	// Drop the echo recorded while the assistant spoke
	s.restartRecording(time.Now())
	s.setStatus(StatusListening)
	s.logger.Info().Msg("User interrupted assistant")
}

func (s *Session) onResume() {
	s.metrics.RecordResume()
	s.setStatus(StatusSpeaking)
	s.logger.Info().Msg("Assistant resumed")
}

func (s *Session) onYield() {
	s.metrics.RecordYield()
	s.mu.Lock()
	cancel := s.responseCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.logger.Info().Msg("Assistant yielded the turn")
}

func (s *Session) onDiscard() {
	s.queue.Reset()
	s.setStatus(StatusListening)
}

func (s *Session) onQualityChange(previous, current netmon.Quality) {
	s.logger.Info().
		Str("previous", previous.String()).
		Str("current", current.String()).
		Msg("Network quality changed")

	s.mu.Lock()
	switch {
	case current == netmon.QualityOffline && !s.offline:
		s.statusAfterOffline = s.status
		s.offline = true
		s.status = StatusReconnecting
	case current != netmon.QualityOffline && s.offline:
		s.offline = false
		s.status = s.statusAfterOffline
	default:
		s.mu.Unlock()
		return
	}
	status := s.status
	s.mu.Unlock()

	s.emit(Event{Type: EventStatus, Status: status})
}

// settleStatus picks the status after a turn that produced no reply
func (s *Session) settleStatus() {
	if s.turns.State() == turn.AssistantSpeaking {
		s.setStatus(StatusSpeaking)
		return
	}
	s.setStatus(StatusListening)
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.offline {
		s.statusAfterOffline = status
		s.mu.Unlock()
		return
	}
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	s.emit(Event{Type: EventStatus, Status: status})
}

func (s *Session) emit(event Event) {
	if s.deps.Sink == nil {
		return
	}
	event.CallID = s.params.CallID
	if err := s.deps.Sink.Send(event); err != nil {
		s.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("Failed to send event")
	}
}

func (s *Session) record(role, text string) {
	if s.deps.Recorder == nil {
		return
	}
	s.deps.Recorder.SaveMessage(role, text, s.params.ConversationID, s.params.UserID)
}

func (s *Session) watchdog() {
	defer s.wg.Done()

	interval := s.cfg.Tuning.DurationCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if limit := s.cfg.Tuning.MaxCallDuration; limit > 0 && now.Sub(s.startedAt) >= limit {
				s.logger.Warn().Dur("max", limit).Msg("Call reached maximum duration")
				go s.stop(ErrMaxDuration)
				return
			}
		}
	}
}

func (s *Session) stop(reason error) {
	s.stopOnce.Do(func() {
		defer close(s.done)
		s.teardown(reason)
	})
	<-s.done
}

// teardown releases every resource of the call. Each step logs and
// continues.
func (s *Session) teardown(reason error) {
	s.mu.Lock()
	s.endErr = reason
	started := s.started
	s.mu.Unlock()

	s.cancel()

	var g errgroup.Group
	g.Go(func() error {
		if err := s.capture.Stop(); err != nil && !errors.Is(err, audio.ErrNotCapturing) {
			s.logger.Warn().Err(err).Msg("Failed to stop capture")
		}
		return nil
	})
	g.Go(func() error {
		s.queue.Reset()
		s.queue.Close()
		return nil
	})
	if m := s.deps.Monitor; m != nil {
		g.Go(func() error {
			m.Stop()
			return nil
		})
	}
	_ = g.Wait()

	if !waitTimeout(&s.wg, s.cfg.Tuning.StopTimeout) {
		s.logger.Warn().Msg("Call goroutines did not finish before the stop timeout")
	}

	snapshot := s.turns.Snapshot()
	s.detector.Reset()
	s.turns.Reset()

	summary, ok := s.metrics.Finalize(time.Now(), endReason(reason))
	if ok && started {
		s.emit(Event{Type: EventMetrics, Metrics: &summary})
		if s.deps.Recorder != nil {
			s.deps.Recorder.RecordCallMetrics(s.params.UserID, summary.DurationSeconds, s.params.Tier, summary)
		}
	}

	ended := Event{Type: EventEnded}
	if reason != nil {
		ended.Code = CodeEnded
		ended.Message = reason.Error()
	}
	s.emit(ended)

	s.logger.Info().
		Str("reason", endReason(reason)).
		Float64("duration_seconds", summary.DurationSeconds).
		Int("interruptions", snapshot.Interruptions).
		Int("turns", summary.Turns).
		Msg("Call ended")
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}
