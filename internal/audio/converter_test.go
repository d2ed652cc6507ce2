package audio

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestBytesToSamples(t *testing.T) {
	samples, err := BytesToSamples([]byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80})
	if err != nil {
		t.Fatalf("BytesToSamples() failed: %v", err)
	}
	if !slices.Equal(samples, []int16{1, -1, -32768}) {
		t.Errorf("Expected [1 -1 -32768], got %v", samples)
	}

	if _, err := BytesToSamples([]byte{0x01}); err == nil {
		t.Error("Expected error for odd-length PCM")
	}
}

func TestSamplesToBytes(t *testing.T) {
	in := []int16{0, 1000, -1000, 32767, -32768}
	out, err := BytesToSamples(SamplesToBytes(in))
	if err != nil {
		t.Fatalf("BytesToSamples() failed: %v", err)
	}
	if !slices.Equal(in, out) {
		t.Errorf("Expected %v, got %v", in, out)
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float64
	}{
		{"empty", nil, 0},
		{"silence", make([]int16, 160), 0},
		{"half scale", []int16{16384, -16384}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Level(tt.samples); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestCalculateRMS(t *testing.T) {
	if got := CalculateRMS([]int16{3, -3, 3, -3}); got != 3 {
		t.Errorf("Expected RMS 3, got %v", got)
	}
	if got := CalculateRMS(nil); got != 0 {
		t.Errorf("Expected RMS 0 for empty input, got %v", got)
	}
}

func TestResample(t *testing.T) {
	samples := make([]int16, 240)
	for i := range samples {
		samples[i] = int16(i)
	}

	down := Resample(samples, 24000, 8000)
	if len(down) != 80 {
		t.Errorf("Expected 80 samples after 24k->8k, got %d", len(down))
	}
	if down[10] != 30 {
		t.Errorf("Expected sample 10 to be 30, got %d", down[10])
	}

	same := Resample(samples, 16000, 16000)
	if len(same) != len(samples) {
		t.Errorf("Expected unchanged length for equal rates, got %d", len(same))
	}
}

func TestMulawRoundTrip(t *testing.T) {
	for _, s := range []int16{0, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000} {
		decoded := mulawToLinear(linearToMulaw(s))
		diff := int(decoded) - int(s)
		if diff < 0 {
			diff = -diff
		}
		// mu-law quantization error grows with magnitude
		tolerance := int(s)/16 + 8
		if tolerance < 0 {
			tolerance = -tolerance + 16
		}
		if diff > tolerance {
			t.Errorf("Sample %d decoded to %d (error %d > %d)", s, decoded, diff, tolerance)
		}
	}
}

func TestMulawKnownValues(t *testing.T) {
	if got := linearToMulaw(0); got != 0xFF {
		t.Errorf("Expected silence to encode as 0xFF, got 0x%02X", got)
	}
	if got := mulawToLinear(0xFF); got != 0 {
		t.Errorf("Expected 0xFF to decode as 0, got %d", got)
	}
	if got := linearToMulaw(32767); got != 0x80 {
		t.Errorf("Expected positive full scale to encode as 0x80, got 0x%02X", got)
	}
}

func TestEncodeMulaw(t *testing.T) {
	pcm := make([]int16, 480) // 20ms at 24kHz
	encoded := EncodeMulaw(pcm, 24000)
	if len(encoded) != 160 {
		t.Errorf("Expected 160 mu-law bytes (20ms at 8kHz), got %d", len(encoded))
	}

	decoded := DecodeMulaw(encoded)
	if len(decoded) != 160 {
		t.Errorf("Expected 160 decoded samples, got %d", len(decoded))
	}
}

func TestWAVRoundTrip(t *testing.T) {
	samples := []int16{1, -2, 300, -400, 5000}
	wav := EncodeWAV(samples, 16000)

	if len(wav) != wavHeaderSize+len(samples)*2 {
		t.Errorf("Expected %d bytes, got %d", wavHeaderSize+len(samples)*2, len(wav))
	}

	decoded, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() failed: %v", err)
	}
	if rate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", rate)
	}
	if !slices.Equal(decoded, samples) {
		t.Errorf("Expected %v, got %v", samples, decoded)
	}
}

func TestDecodeWAV_NotWAV(t *testing.T) {
	_, _, err := DecodeWAV([]byte("ID3 this is an mp3"))
	if !errors.Is(err, ErrNotWAV) {
		t.Errorf("Expected ErrNotWAV, got %v", err)
	}
}

func TestClipDuration(t *testing.T) {
	wav := Clip{Data: EncodeWAV(make([]int16, 8000), 16000), MimeType: "audio/wav"}
	if got := wav.Duration(); got != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", got)
	}

	pcm := Clip{Data: make([]byte, 48000), MimeType: "audio/pcm", SampleRate: 24000}
	if got := pcm.Duration(); got != time.Second {
		t.Errorf("Expected 1s, got %v", got)
	}

	mp3 := Clip{Data: []byte{1, 2, 3}, MimeType: "audio/mpeg"}
	if got := mp3.Duration(); got != 0 {
		t.Errorf("Expected unknown duration for mp3, got %v", got)
	}
}
