package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotCapturing is returned by Restart before Start or after Stop
var ErrNotCapturing = errors.New("capture not started")

// CaptureConfig sizes the recording buffers
type CaptureConfig struct {
	PreRoll    time.Duration // Audio carried into the next segment on restart
	MaxSegment time.Duration // Older audio is dropped once a segment grows past this
}

// Capture records the microphone continuously. Each Restart closes the
// current segment and opens the next one; the level of the latest frame is
// always available for the sampling loop.
type Capture struct {
	device Device
	cfg    CaptureConfig

	mu        sync.Mutex
	started   bool
	recording []int16
	preRoll   *RingBuffer
	onSegment func(Segment)

	level atomicFloat
}

// NewCapture creates a capture bound to device
func NewCapture(device Device, cfg CaptureConfig) *Capture {
	if cfg.MaxSegment <= 0 {
		cfg.MaxSegment = 60 * time.Second
	}
	preRollSamples := int(cfg.PreRoll.Seconds() * float64(device.SampleRate()))
	return &Capture{
		device:  device,
		cfg:     cfg,
		preRoll: NewRingBuffer(preRollSamples),
	}
}

// OnSegment registers an observer for every non-empty segment Restart returns
func (c *Capture) OnSegment(fn func(Segment)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSegment = fn
}

// Start acquires the device and begins recording
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.recording = c.recording[:0]
	c.preRoll.Clear()
	c.mu.Unlock()

	if err := c.device.StartCapture(ctx, c.onFrame); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Capture) onFrame(samples []int16) {
	c.level.Store(Level(samples))

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}

	c.recording = append(c.recording, samples...)
	if limit := int(c.cfg.MaxSegment.Seconds() * float64(c.device.SampleRate())); len(c.recording) > limit {
		c.recording = append(c.recording[:0], c.recording[len(c.recording)-limit:]...)
	}
	c.preRoll.Write(samples)
}

// Level returns the normalized RMS of the most recent frame
func (c *Capture) Level() float64 {
	return c.level.Load()
}

// Restart closes the current segment and starts the next one, seeded with
// the pre-roll so a word starting right at the boundary is not clipped.
func (c *Capture) Restart() (Segment, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return Segment{}, ErrNotCapturing
	}

	samples := c.recording
	c.recording = append(make([]int16, 0, cap(samples)), c.preRoll.Snapshot()...)
	c.preRoll.Clear()
	onSegment := c.onSegment
	c.mu.Unlock()

	rate := c.device.SampleRate()
	segment := Segment{
		Data:       EncodeWAV(samples, rate),
		MimeType:   "audio/wav",
		SampleRate: rate,
		Duration:   PCMDuration(len(samples), rate),
	}
	if onSegment != nil && len(samples) > 0 {
		onSegment(segment)
	}
	return segment, nil
}

// Stop ends recording and releases the microphone
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.recording = nil
	c.preRoll.Clear()
	c.mu.Unlock()

	c.level.Store(0)
	return c.device.StopCapture()
}

// IsCapturing reports whether the microphone is being recorded
func (c *Capture) IsCapturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}
