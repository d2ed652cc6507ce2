package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/voicecall/internal/audio"
)

const (
	twilioSampleRate = 8000
	twilioFrameBytes = 160 // 20 ms of 8 kHz mu-law

	// Extra wait for Twilio to echo a mark after the clip's own length
	markGrace = 2 * time.Second
)

// TwilioMessage is one Media Streams event
type TwilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Mark           *TwilioMark  `json:"mark,omitempty"`
}

// TwilioMedia is the payload of a media event
type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 mu-law
}

// TwilioStart is the payload of the start event
type TwilioStart struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// TwilioMark names a playback position echoed back once reached
type TwilioMark struct {
	Name string `json:"name"`
}

// TwilioDevice is a call's audio endpoint on a phone line bridged by Twilio
// Media Streams: 8 kHz mu-law in both directions
type TwilioDevice struct {
	w writer

	mu        sync.Mutex
	streamSid string
	onFrame   func([]int16)
	marks     map[string]chan struct{}
	closed    bool

	nextMark atomic.Int64
}

// NewTwilioDevice creates a device writing to w
func NewTwilioDevice(w writer) *TwilioDevice {
	return &TwilioDevice{w: w, marks: make(map[string]chan struct{})}
}

// SetStream binds the device to the stream named in the start event
func (d *TwilioDevice) SetStream(streamSid string) {
	d.mu.Lock()
	d.streamSid = streamSid
	d.mu.Unlock()
}

// StartCapture implements audio.Device
func (d *TwilioDevice) StartCapture(ctx context.Context, onFrame func([]int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.streamSid == "" {
		return audio.ErrDeviceUnavailable
	}
	d.onFrame = onFrame
	return nil
}

// StopCapture implements audio.Device
func (d *TwilioDevice) StopCapture() error {
	d.mu.Lock()
	d.onFrame = nil
	d.mu.Unlock()
	return nil
}

// HandleMedia delivers one inbound media event
func (d *TwilioDevice) HandleMedia(media *TwilioMedia) error {
	if media == nil {
		return nil
	}
	if media.Track != "" && media.Track != "inbound" {
		return nil
	}
	payload := media.Payload
	if payload == "" {
		payload = media.Chunk
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("failed to decode media payload: %w", err)
	}

	d.mu.Lock()
	onFrame := d.onFrame
	d.mu.Unlock()
	if onFrame != nil {
		onFrame(audio.DecodeMulaw(data))
	}
	return nil
}

// HandleMark records that Twilio reached a mark
func (d *TwilioDevice) HandleMark(mark *TwilioMark) {
	if mark == nil {
		return
	}
	d.mu.Lock()
	ch, ok := d.marks[mark.Name]
	delete(d.marks, mark.Name)
	d.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Play implements audio.Device. The clip is sent as 20 ms media frames
// followed by a mark; Play returns when Twilio echoes the mark.
func (d *TwilioDevice) Play(ctx context.Context, clip audio.Clip) error {
	samples, rate, err := clipSamples(clip)
	if err != nil {
		return err
	}
	payload := audio.EncodeMulaw(samples, rate)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return audio.ErrDeviceClosed
	}
	streamSid := d.streamSid
	name := "clip-" + strconv.FormatInt(d.nextMark.Add(1), 10)
	reached := make(chan struct{})
	d.marks[name] = reached
	d.mu.Unlock()
	defer d.forgetMark(name)

	for start := 0; start < len(payload); start += twilioFrameBytes {
		end := min(start+twilioFrameBytes, len(payload))
		if err := d.w.WriteJSON(outboundMedia(streamSid, payload[start:end])); err != nil {
			return fmt.Errorf("failed to send media: %w", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() == nil {
		if err := d.w.WriteJSON(map[string]any{"event": "mark", "streamSid": streamSid, "mark": TwilioMark{Name: name}}); err != nil {
			return fmt.Errorf("failed to send mark: %w", err)
		}
	}

	timer := time.NewTimer(audio.PCMDuration(len(payload), twilioSampleRate) + markGrace)
	defer timer.Stop()
	select {
	case <-reached:
		return nil
	case <-timer.C:
		log.Debug().Str("mark", name).Msg("Mark not echoed, assuming clip played")
		return nil
	case <-ctx.Done():
		if err := d.w.WriteJSON(map[string]string{"event": "clear", "streamSid": streamSid}); err != nil {
			log.Debug().Err(err).Msg("Failed to clear Twilio playback")
		}
		return ctx.Err()
	}
}

func (d *TwilioDevice) forgetMark(name string) {
	d.mu.Lock()
	delete(d.marks, name)
	d.mu.Unlock()
}

// SampleRate implements audio.Device
func (d *TwilioDevice) SampleRate() int {
	return twilioSampleRate
}

// Close implements audio.Device
func (d *TwilioDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.onFrame = nil
	d.mu.Unlock()
	return nil
}

func outboundMedia(streamSid string, payload []byte) map[string]any {
	return map[string]any{
		"event":     "media",
		"streamSid": streamSid,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	}
}

// clipSamples decodes a clip to PCM16 for transcoding
func clipSamples(clip audio.Clip) ([]int16, int, error) {
	switch clip.MimeType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return audio.DecodeWAV(clip.Data)
	case "audio/pcm", "audio/l16":
		samples, err := audio.BytesToSamples(clip.Data)
		return samples, clip.SampleRate, err
	case "audio/x-mulaw", "audio/basic":
		return audio.DecodeMulaw(clip.Data), twilioSampleRate, nil
	}
	return nil, 0, fmt.Errorf("unsupported clip format for telephony: %q", clip.MimeType)
}
