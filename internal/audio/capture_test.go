package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeDevice struct {
	mu       sync.Mutex
	rate     int
	onFrame  func([]int16)
	startErr error
	stopped  bool
}

func (d *fakeDevice) StartCapture(ctx context.Context, onFrame func([]int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.onFrame = onFrame
	return nil
}

func (d *fakeDevice) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *fakeDevice) Play(ctx context.Context, clip Clip) error { return nil }
func (d *fakeDevice) SampleRate() int                           { return d.rate }
func (d *fakeDevice) Close() error                              { return nil }

func (d *fakeDevice) push(samples []int16) {
	d.mu.Lock()
	fn := d.onFrame
	d.mu.Unlock()
	fn(samples)
}

func frame(value int16, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func TestCapture_RestartReturnsSegment(t *testing.T) {
	device := &fakeDevice{rate: 16000}
	capture := NewCapture(device, CaptureConfig{})

	if err := capture.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	device.push(frame(1000, 800))
	device.push(frame(2000, 800))

	segment, err := capture.Restart()
	if err != nil {
		t.Fatalf("Restart() failed: %v", err)
	}
	if segment.MimeType != "audio/wav" {
		t.Errorf("Expected audio/wav, got %s", segment.MimeType)
	}
	if segment.Duration != 100*time.Millisecond {
		t.Errorf("Expected 100ms segment, got %v", segment.Duration)
	}
	if segment.Size() != wavHeaderSize+1600*2 {
		t.Errorf("Expected %d bytes, got %d", wavHeaderSize+1600*2, segment.Size())
	}

	next, _ := capture.Restart()
	if next.Duration != 0 {
		t.Errorf("Expected an empty follow-up segment without pre-roll, got %v", next.Duration)
	}
}

func TestCapture_PreRoll(t *testing.T) {
	device := &fakeDevice{rate: 1000}
	capture := NewCapture(device, CaptureConfig{PreRoll: 100 * time.Millisecond})
	_ = capture.Start(context.Background())

	device.push(frame(5, 250))
	_, _ = capture.Restart()
	device.push(frame(7, 50))

	segment, _ := capture.Restart()
	samples, _, err := DecodeWAV(segment.Data)
	if err != nil {
		t.Fatalf("DecodeWAV() failed: %v", err)
	}
	if len(samples) != 150 {
		t.Fatalf("Expected 100 pre-roll + 50 new samples, got %d", len(samples))
	}
	if samples[0] != 5 || samples[149] != 7 {
		t.Errorf("Expected pre-roll followed by new audio, got first %d last %d", samples[0], samples[149])
	}
}

func TestCapture_Level(t *testing.T) {
	device := &fakeDevice{rate: 16000}
	capture := NewCapture(device, CaptureConfig{})
	_ = capture.Start(context.Background())

	device.push(frame(16384, 160))
	if got := capture.Level(); got != 0.5 {
		t.Errorf("Expected level 0.5, got %v", got)
	}

	_ = capture.Stop()
	if got := capture.Level(); got != 0 {
		t.Errorf("Expected level 0 after stop, got %v", got)
	}
}

func TestCapture_OnSegment(t *testing.T) {
	device := &fakeDevice{rate: 16000}
	capture := NewCapture(device, CaptureConfig{})
	_ = capture.Start(context.Background())

	var observed []Segment
	capture.OnSegment(func(s Segment) { observed = append(observed, s) })

	_, _ = capture.Restart() // empty, not observed
	device.push(frame(1, 160))
	_, _ = capture.Restart()

	if len(observed) != 1 {
		t.Errorf("Expected 1 observed segment, got %d", len(observed))
	}
}

func TestCapture_StartFailure(t *testing.T) {
	device := &fakeDevice{rate: 16000, startErr: ErrDeviceUnavailable}
	capture := NewCapture(device, CaptureConfig{})

	if err := capture.Start(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if capture.IsCapturing() {
		t.Error("Expected capture not to be running after a failed start")
	}
	if _, err := capture.Restart(); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("Expected ErrNotCapturing, got %v", err)
	}
}

func TestCapture_StopIsIdempotent(t *testing.T) {
	device := &fakeDevice{rate: 16000}
	capture := NewCapture(device, CaptureConfig{})
	_ = capture.Start(context.Background())

	if err := capture.Stop(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if err := capture.Stop(); err != nil {
		t.Errorf("Expected second stop to be a no-op, got %v", err)
	}
	if !device.stopped {
		t.Error("Expected the device capture to be stopped")
	}
}
