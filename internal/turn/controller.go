// Package turn decides who holds the conversational turn: it detects
// barge-in while the assistant speaks and chooses between resuming the
// assistant and yielding to the user.
package turn

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the turn-taking state
type State int

const (
	Idle State = iota
	UserSpeaking
	AssistantSpeaking
	Interrupted
	Yielding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case UserSpeaking:
		return "user_speaking"
	case AssistantSpeaking:
		return "assistant_speaking"
	case Interrupted:
		return "interrupted"
	case Yielding:
		return "yielding"
	}
	return "unknown"
}

// Config holds the interrupt thresholds and windows
type Config struct {
	PlayingInterruptMultiplier float64       // Applied to the base threshold while audio is audible
	IdleInterruptMultiplier    float64       // Applied while the assistant holds the turn silently
	InterruptDebounce          time.Duration // Rejects single-sample spikes
	OverlapTolerance           time.Duration // Natural overlap ignored before committing
	YieldThreshold             time.Duration // Continued speech that hands the turn to the user
	ResumeSilence              time.Duration // Silence after an interrupt that resumes playback
	ResumeWindow               time.Duration // Silence resume only within this time of the interrupt
	RejectResumeWindow         time.Duration // Rejected-transcript resume only within this time
}

// DefaultConfig returns the default turn-taking configuration
func DefaultConfig() Config {
	return Config{
		PlayingInterruptMultiplier: 8.0,
		IdleInterruptMultiplier:    2.0,
		InterruptDebounce:          50 * time.Millisecond,
		OverlapTolerance:           200 * time.Millisecond,
		YieldThreshold:             500 * time.Millisecond,
		ResumeSilence:              1 * time.Second,
		ResumeWindow:               10 * time.Second,
		RejectResumeWindow:         5 * time.Second,
	}
}

// Player is the playback surface the controller pauses and resumes
type Player interface {
	IsOutputting() bool
	Interrupt()
	Resume()
}

// Events are fired after a transition, outside the controller lock
type Events struct {
	OnInterrupt func()
	OnResume    func()
	OnYield     func()
	OnDiscard   func()
}

// Snapshot is a read-only view of the controller
type Snapshot struct {
	State            State
	InterruptTime    time.Time
	ResumeAttempted  bool
	HasInterrupted   bool
	PendingInterrupt bool
	Muted            bool
	Interruptions    int
	Resumes          int
	Yields           int
}

// Controller owns the turn state. Other components query it through
// Snapshot and drive it through the transition methods.
type Controller struct {
	cfg       Config
	player    Player
	threshold func() float64
	events    Events

	mu              sync.Mutex
	state           State
	interruptTime   time.Time
	resumeAttempted bool
	hasInterrupted  bool
	aboveSince      time.Time // level above the interrupt limit since
	speechSince     time.Time // user speech since, while interrupted
	silenceSince    time.Time // user silence since, while interrupted
	muted           bool

	interruptions int
	resumes       int
	yields        int
}

// NewController creates a controller. threshold returns the VAD base
// threshold the interrupt limits are scaled from.
func NewController(cfg Config, player Player, threshold func() float64, events Events) *Controller {
	return &Controller{
		cfg:       cfg,
		player:    player,
		threshold: threshold,
		events:    events,
		state:     Idle,
	}
}

// Observe feeds one microphone level sample
func (c *Controller) Observe(level float64, now time.Time) {
	base := c.threshold()
	outputting := c.player.IsOutputting()

	c.mu.Lock()
	if c.muted {
		c.mu.Unlock()
		return
	}

	var fire []func()
	switch c.state {
	case Idle:
		if level > base {
			c.state = UserSpeaking
		}

	case UserSpeaking:
		if level <= base {
			c.state = Idle
		}

	case AssistantSpeaking:
		multiplier := c.cfg.IdleInterruptMultiplier
		if outputting {
			multiplier = c.cfg.PlayingInterruptMultiplier
		}
		if level <= base*multiplier {
			c.aboveSince = time.Time{}
			break
		}
		if c.aboveSince.IsZero() {
			c.aboveSince = now
		}
		if now.Sub(c.aboveSince) >= c.cfg.InterruptDebounce+c.cfg.OverlapTolerance {
			fire = c.commitInterrupt(now, level, base*multiplier)
		}

	case Interrupted:
		fire = c.observeInterrupted(level > base, now)
	}
	c.mu.Unlock()

	run(fire)
}

// commitInterrupt must be called with mu held
func (c *Controller) commitInterrupt(now time.Time, level, limit float64) []func() {
	c.state = Interrupted
	c.hasInterrupted = true
	c.resumeAttempted = false
	c.interruptTime = now
	c.aboveSince = time.Time{}
	c.speechSince = now
	c.silenceSince = time.Time{}
	c.interruptions++

	log.Debug().
		Float64("level", level).
		Float64("limit", limit).
		Msg("User interrupted assistant")

	return []func(){c.player.Interrupt, c.events.OnInterrupt}
}

// observeInterrupted must be called with mu held
func (c *Controller) observeInterrupted(speaking bool, now time.Time) []func() {
	if now.Sub(c.interruptTime) > c.cfg.ResumeWindow {
		return c.yield("resume window expired")
	}

	if speaking {
		c.silenceSince = time.Time{}
		if c.speechSince.IsZero() {
			c.speechSince = now
		}
		if now.Sub(c.speechSince) >= c.cfg.YieldThreshold {
			return c.yield("user kept speaking")
		}
		return nil
	}

	c.speechSince = time.Time{}
	if c.silenceSince.IsZero() {
		c.silenceSince = now
	}
	if now.Sub(c.silenceSince) >= c.cfg.ResumeSilence {
		return c.resume("silence after interrupt")
	}
	return nil
}

// yield must be called with mu held
func (c *Controller) yield(reason string) []func() {
	c.state = Yielding
	c.resumeAttempted = true
	c.yields++
	log.Debug().Str("reason", reason).Msg("Yielding turn to user")
	return []func(){c.events.OnYield}
}

// resume must be called with mu held
func (c *Controller) resume(reason string) []func() {
	c.state = AssistantSpeaking
	c.hasInterrupted = false
	c.resumeAttempted = false
	c.speechSince = time.Time{}
	c.silenceSince = time.Time{}
	c.resumes++
	log.Debug().Str("reason", reason).Msg("Resuming assistant after interrupt")
	return []func(){c.player.Resume, c.events.OnResume}
}

// TranscriptRejected reports that the utterance after an interrupt was not
// speech. Inside the reject window the assistant resumes; after a yield the
// paused response is discarded.
func (c *Controller) TranscriptRejected(now time.Time) {
	c.mu.Lock()
	var fire []func()
	switch c.state {
	case Interrupted:
		if !c.resumeAttempted && now.Sub(c.interruptTime) <= c.cfg.RejectResumeWindow {
			fire = c.resume("transcript rejected")
		}
	case Yielding:
		c.state = Idle
		c.hasInterrupted = false
		c.resumeAttempted = false
		fire = []func(){c.events.OnDiscard}
	}
	c.mu.Unlock()

	run(fire)
}

// TranscriptForwarded hands the turn to the new utterance. Interrupt flags
// are only cleared here, once the backend has accepted the transcript.
func (c *Controller) TranscriptForwarded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	c.hasInterrupted = false
	c.resumeAttempted = false
	c.aboveSince = time.Time{}
	c.speechSince = time.Time{}
	c.silenceSince = time.Time{}
}

// AssistantStarted marks the first audible chunk of a response
func (c *Controller) AssistantStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Interrupted {
		return
	}
	c.state = AssistantSpeaking
	c.aboveSince = time.Time{}
}

// AssistantFinished marks the end of a response's playback
func (c *Controller) AssistantFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == AssistantSpeaking {
		c.state = Idle
	}
	c.aboveSince = time.Time{}
}

// SetMuted suspends all transitions while the microphone is muted
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	c.aboveSince = time.Time{}
	c.speechSince = time.Time{}
	c.silenceSince = time.Time{}
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a consistent view of the controller
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:            c.state,
		InterruptTime:    c.interruptTime,
		ResumeAttempted:  c.resumeAttempted,
		HasInterrupted:   c.hasInterrupted,
		PendingInterrupt: c.state == AssistantSpeaking && !c.aboveSince.IsZero(),
		Muted:            c.muted,
		Interruptions:    c.interruptions,
		Resumes:          c.resumes,
		Yields:           c.yields,
	}
}

// Reset returns the controller to Idle and clears its counters
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	c.interruptTime = time.Time{}
	c.resumeAttempted = false
	c.hasInterrupted = false
	c.aboveSince = time.Time{}
	c.speechSince = time.Time{}
	c.silenceSince = time.Time{}
	c.muted = false
	c.interruptions = 0
	c.resumes = 0
	c.yields = 0
}

func run(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}
