package audio

import (
	"testing"
)

func TestConvertFloat32ExactValues(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1.0, 32767},
		{-1.0, -32768},
		{0.5, 16383},
		{-0.5, -16384},
		{0.25, 8191},
		{-0.25, -8192},
	}
	for _, tt := range tests {
		got := convertSample(tt.in)
		if got != tt.want {
			t.Errorf("convertSample(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestConvertFloat32ClampsOutOfRange(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{1.5, 32767},
		{2.0, 32767},
		{100, 32767},
		{-1.5, -32768},
		{-2.0, -32768},
		{-100, -32768},
	}
	for _, tt := range tests {
		got := convertSample(tt.in)
		if got != tt.want {
			t.Errorf("convertSample(%v) = %d, want clamp to %d", tt.in, got, tt.want)
		}
	}
}

func TestConvertFloat32Slice(t *testing.T) {
	in := []float32{-2, -1, -0.5, 0, 0.5, 1, 2}
	want := []int16{-32768, -32768, -16384, 0, 16383, 32767, 32767}
	got := ConvertFloat32(in)
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFloat32LERoundTrip(t *testing.T) {
	in := []float32{-1, -0.5, 0, 0.25, 1, 2.5}
	data := EncodeFloat32LE(in)
	if len(data) != 4*len(in) {
		t.Fatalf("encoded length = %d, want %d", len(data), 4*len(in))
	}
	out, err := DecodeFloat32LE(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestDecodeFloat32LERejectsBadLength(t *testing.T) {
	if _, err := DecodeFloat32LE(make([]byte, 5)); err == nil {
		t.Error("DecodeFloat32LE accepted a payload not divisible by 4")
	}
	out, err := DecodeFloat32LE(nil)
	if err != nil || len(out) != 0 {
		t.Errorf("DecodeFloat32LE(nil) = %v, %v, want empty, nil", out, err)
	}
}
