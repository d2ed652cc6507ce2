package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/voicecall/internal/audio"
)

const defaultBrowserSampleRate = 16000

// Control is a message from the caller on the browser socket
type Control struct {
	Type  string `json:"type"`            // mute, unmute, stop, credential
	Token string `json:"token,omitempty"` // credential only
}

// playMessage tells the browser to render one clip
type playMessage struct {
	Type        string `json:"type"`
	MimeType    string `json:"mime"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	AudioBase64 string `json:"audio_base64"`
}

// BrowserDevice is a call's audio endpoint in a web page: the page streams
// little-endian PCM16 mono frames up as binary messages and renders the
// clips it is sent
type BrowserDevice struct {
	w          writer
	sampleRate int

	mu      sync.Mutex
	onFrame func([]int16)
	closed  bool

	framesDropped atomic.Int64
}

// NewBrowserDevice creates a device for a page capturing at sampleRate
func NewBrowserDevice(w writer, sampleRate int) *BrowserDevice {
	if sampleRate <= 0 {
		sampleRate = defaultBrowserSampleRate
	}
	return &BrowserDevice{w: w, sampleRate: sampleRate}
}

// StartCapture implements audio.Device
func (d *BrowserDevice) StartCapture(ctx context.Context, onFrame func([]int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	d.onFrame = onFrame
	return nil
}

// StopCapture implements audio.Device
func (d *BrowserDevice) StopCapture() error {
	d.mu.Lock()
	d.onFrame = nil
	d.mu.Unlock()
	return nil
}

// Feed delivers one binary message from the page
func (d *BrowserDevice) Feed(data []byte) {
	samples, err := audio.BytesToSamples(data)
	if err != nil {
		if d.framesDropped.Add(1) == 1 {
			log.Warn().Err(err).Msg("Dropping malformed audio frame")
		}
		return
	}

	d.mu.Lock()
	onFrame := d.onFrame
	d.mu.Unlock()
	if onFrame != nil {
		onFrame(samples)
	}
}

// Play implements audio.Device. The page plays the clip on its own; Play
// waits out the clip's duration so the queue paces itself.
func (d *BrowserDevice) Play(ctx context.Context, clip audio.Clip) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return audio.ErrDeviceClosed
	}

	err := d.w.WriteJSON(playMessage{
		Type:        "play",
		MimeType:    clip.MimeType,
		SampleRate:  clip.SampleRate,
		AudioBase64: base64.StdEncoding.EncodeToString(clip.Data),
	})
	if err != nil {
		return fmt.Errorf("failed to send clip: %w", err)
	}

	timer := time.NewTimer(clip.Duration())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if err := d.w.WriteJSON(map[string]string{"type": "clear"}); err != nil {
			log.Debug().Err(err).Msg("Failed to clear browser playback")
		}
		return ctx.Err()
	}
}

// SampleRate implements audio.Device
func (d *BrowserDevice) SampleRate() int {
	return d.sampleRate
}

// Close implements audio.Device
func (d *BrowserDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.onFrame = nil
	d.mu.Unlock()
	return nil
}

// ParseControl decodes a text message from the page
func ParseControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("invalid control message: %w", err)
	}
	switch c.Type {
	case "mute", "unmute", "stop":
	case "credential":
		if c.Token == "" {
			return Control{}, fmt.Errorf("credential message without token")
		}
	default:
		return Control{}, fmt.Errorf("unknown control message %q", c.Type)
	}
	return c, nil
}
