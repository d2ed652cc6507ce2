package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceUnavailable means no microphone could be acquired
	ErrDeviceUnavailable = errors.New("microphone unavailable, check that it is connected and permitted")

	// ErrDeviceMuted means the microphone is muted at the hardware or OS level
	ErrDeviceMuted = errors.New("microphone is muted, unmute it and try again")

	// ErrDeviceClosed is returned by operations on a closed device
	ErrDeviceClosed = errors.New("audio device closed")
)

// Device is the platform audio endpoint of one call: a mono PCM16 microphone
// feed and a speaker. Implementations live with the transport that carries
// the audio.
type Device interface {
	// StartCapture acquires the microphone and delivers frames to onFrame
	// until StopCapture or ctx ends. Frames arrive on a single goroutine.
	StartCapture(ctx context.Context, onFrame func(samples []int16)) error
	StopCapture() error

	// Play blocks until clip has been rendered or ctx is cancelled. A
	// cancelled Play must silence the speaker before returning.
	Play(ctx context.Context, clip Clip) error

	// SampleRate of captured frames in Hz
	SampleRate() int

	Close() error
}

// Segment is one utterance captured between two recording restarts
type Segment struct {
	Data       []byte
	MimeType   string
	SampleRate int
	Duration   time.Duration
}

// Size returns the encoded size in bytes
func (s Segment) Size() int {
	return len(s.Data)
}

// Clip is synthesized speech ready for a Device
type Clip struct {
	Data     []byte
	MimeType string
	// SampleRate applies to raw PCM clips
	SampleRate int
}

// Duration estimates the playback length of the clip. Only WAV and raw
// PCM16 are measurable; other formats report zero.
func (c Clip) Duration() time.Duration {
	switch c.MimeType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		samples, rate, err := DecodeWAV(c.Data)
		if err != nil {
			return 0
		}
		return PCMDuration(len(samples), rate)
	case "audio/pcm", "audio/l16":
		return PCMDuration(len(c.Data)/2, c.SampleRate)
	}
	return 0
}
