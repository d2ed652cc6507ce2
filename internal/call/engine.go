package call

import (
	"github.com/google/uuid"

	"github.com/lexiqai/voicecall/internal/audio"
	"github.com/lexiqai/voicecall/internal/backend"
	"github.com/lexiqai/voicecall/internal/config"
	"github.com/lexiqai/voicecall/internal/netmon"
	"github.com/lexiqai/voicecall/internal/resilience"
	"github.com/lexiqai/voicecall/internal/stt"
	"github.com/lexiqai/voicecall/internal/tts"
	"github.com/lexiqai/voicecall/internal/turn"
)

// Providers build the remote collaborators of a call. token returns the
// caller's current credential; providers authenticated by a service key
// may ignore it.
type Providers struct {
	Transcriber func(token func() string) stt.Transcriber
	Backend     func(token func() string) backend.Backend
	Synthesizer func(token func() string) tts.Synthesizer

	// Prober measures network quality; nil leaves quality at its default
	Prober netmon.Prober

	BackendBreaker   *resilience.CircuitBreaker
	SynthesisBreaker *resilience.CircuitBreaker

	Recorder Recorder
}

// Engine creates calls that share providers and configuration
type Engine struct {
	cfg       Config
	providers Providers
}

// NewEngine creates an engine
func NewEngine(cfg Config, providers Providers) *Engine {
	return &Engine{cfg: cfg, providers: providers}
}

// NewSession wires a call to device. Missing call and conversation IDs are
// generated.
func (e *Engine) NewSession(device audio.Device, params Params, credential string, sink StatusSink) *Session {
	if params.CallID == "" {
		params.CallID = uuid.NewString()
	}
	if params.ConversationID == "" {
		params.ConversationID = uuid.NewString()
	}

	t := e.cfg.Tuning
	cred := NewCredential(credential)
	policy := RetryPolicy(t)
	monitor := netmon.NewMonitor(NetmonConfig(t), e.providers.Prober)

	transcriber := stt.NewClient(e.providers.Transcriber(cred.Get), stt.ClientConfig{
		MinSegmentBytes:    t.MinSegmentBytes,
		RejectConfidence:   t.RejectConfidence,
		LowConfidence:      t.LowConfidence,
		MinTranscriptChars: t.MinTranscriptChars,
		Policy:             policy,
		Timeout:            monitor.STTTimeout,
	})

	consumer := backend.NewConsumer(e.providers.Backend(cred.Get), e.providers.BackendBreaker, backend.ConsumerConfig{
		Segmenter:   backend.SegmenterConfig{MaxChars: t.MaxChunkChars, MinChars: t.MinChunkChars},
		Policy:      policy,
		OpenTimeout: monitor.RequestTimeout,
	})

	synth := tts.NewResilient(e.providers.Synthesizer(cred.Get), e.providers.SynthesisBreaker, policy, monitor.RequestTimeout)

	return New(params, e.cfg, Deps{
		Device:      device,
		Transcriber: transcriber,
		Responder:   consumer,
		Synthesizer: synth,
		Monitor:     monitor,
		Recorder:    e.providers.Recorder,
		Sink:        sink,
		Credential:  cred,
	})
}

// VADConfig extracts the detector settings from t
func VADConfig(t config.Tuning) *audio.VADConfig {
	return &audio.VADConfig{
		CalibrationSamples:   t.CalibrationSamples,
		CalibrationWindow:    t.CalibrationWindow,
		NoiseMultiplier:      t.NoiseMultiplier,
		ThresholdFloor:       t.ThresholdFloor,
		SilenceDuration:      t.SilenceDuration,
		MinSpeechDuration:    t.MinSpeechDuration,
		MinRecordingDuration: t.MinRecordingDuration,
		ProcessedCooldown:    t.ProcessedCooldown,
		RejectedCooldown:     t.RejectedCooldown,
	}
}

// TurnConfig extracts the turn-taking settings from t
func TurnConfig(t config.Tuning) turn.Config {
	return turn.Config{
		PlayingInterruptMultiplier: t.PlayingInterruptMultiplier,
		IdleInterruptMultiplier:    t.IdleInterruptMultiplier,
		InterruptDebounce:          t.InterruptDebounce,
		OverlapTolerance:           t.OverlapTolerance,
		YieldThreshold:             t.YieldThreshold,
		ResumeSilence:              t.ResumeSilence,
		ResumeWindow:               t.ResumeWindow,
		RejectResumeWindow:         t.RejectResumeWindow,
	}
}

// RetryPolicy extracts the retry policy from t
func RetryPolicy(t config.Tuning) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:    t.RetryMaxRetries,
		Delays:        t.RetryDelays,
		JitterPercent: t.RetryJitter,
	}
}

// NetmonConfig extracts the network monitor settings from t
func NetmonConfig(t config.Tuning) netmon.Config {
	return netmon.Config{
		Interval:            t.ProbeInterval,
		Window:              t.ProbeWindow,
		LargeSegment:        t.LargeSegment,
		LargeSegmentTimeout: t.LargeSegmentMin,
	}
}
