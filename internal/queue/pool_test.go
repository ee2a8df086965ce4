package queue

import (
	"testing"
)

func TestGetBuffer_SizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize int
		expectCap   int
	}{
		{"empty", 0, 256},
		{"256B bucket - exact", 256, 256},
		{"256B bucket - smaller", 5, 256},
		{"1KB bucket - exact", 1024, 1024},
		{"1KB bucket - smaller", 257, 1024},
		{"4KB bucket - exact", 4096, 4096},
		{"4KB bucket - smaller", 2048, 4096},
		{"64KB bucket - exact", 64 * 1024, 64 * 1024},
		{"64KB bucket - smaller", 5000, 64 * 1024},
		{"oversized", 64*1024 + 1, 64*1024 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetBuffer(tt.requestSize)
			if len(buf) != tt.requestSize {
				t.Errorf("GetBuffer(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("GetBuffer(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			PutBuffer(buf)
		})
	}
}

func TestPutBuffer_NonStandardCap(t *testing.T) {
	buf := make([]byte, 100)
	// This should not panic
	PutBuffer(buf)
}

func BenchmarkGetBuffer_1KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(1024)
		PutBuffer(buf)
	}
}

func BenchmarkMakeBuffer_1KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = make([]byte, 1024)
	}
}
