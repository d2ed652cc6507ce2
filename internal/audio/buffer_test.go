package audio

import (
	"slices"
	"testing"
)

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]int16{1, 2, 3, 4, 5})

	if rb.Len() != 5 {
		t.Errorf("Expected 5 samples, got %d", rb.Len())
	}
	if got := rb.Snapshot(); !slices.Equal(got, []int16{1, 2, 3, 4, 5}) {
		t.Errorf("Expected [1 2 3 4 5], got %v", got)
	}
}

func TestRingBuffer_Overwrite(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]int16{1, 2, 3})
	rb.Write([]int16{4, 5, 6})

	if rb.Len() != 4 {
		t.Errorf("Expected 4 samples, got %d", rb.Len())
	}
	if got := rb.Snapshot(); !slices.Equal(got, []int16{3, 4, 5, 6}) {
		t.Errorf("Expected the latest samples [3 4 5 6], got %v", got)
	}
}

func TestRingBuffer_WriteLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Write([]int16{1, 2, 3, 4, 5, 6, 7})

	if got := rb.Snapshot(); !slices.Equal(got, []int16{5, 6, 7}) {
		t.Errorf("Expected [5 6 7], got %v", got)
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := int16(1); i <= 12; i++ {
		rb.Write([]int16{i})
	}

	if got := rb.Snapshot(); !slices.Equal(got, []int16{8, 9, 10, 11, 12}) {
		t.Errorf("Expected [8 9 10 11 12], got %v", got)
	}
}

func TestRingBuffer_ZeroCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	rb.Write([]int16{1, 2})

	if rb.Len() != 0 || len(rb.Snapshot()) != 0 {
		t.Error("Expected a zero-capacity buffer to stay empty")
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]int16{1, 2, 3, 4, 5})
	rb.Clear()

	if rb.Len() != 0 {
		t.Errorf("Expected empty buffer after clear, got %d samples", rb.Len())
	}
	rb.Write([]int16{9})
	if got := rb.Snapshot(); !slices.Equal(got, []int16{9}) {
		t.Errorf("Expected [9], got %v", got)
	}
}
