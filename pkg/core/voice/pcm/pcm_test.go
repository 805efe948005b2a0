package pcm

import "testing"

func TestResample_Lengths(t *testing.T) {
	in := make([]int16, 160) // 20ms at 8kHz
	if got := len(Resample(in, 8000, 16000)); got != 320 {
		t.Fatalf("upsampled len=%d, want 320", got)
	}
	if got := len(Resample(make([]int16, 480), 24000, 8000)); got != 160 {
		t.Fatalf("downsampled len=%d, want 160", got)
	}
}

func TestResample_Interpolates(t *testing.T) {
	got := Resample([]int16{0, 100}, 1, 2)
	want := []int16{0, 50, 100, 100}
	if len(got) != len(want) {
		t.Fatalf("got=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got=%v, want %v", got, want)
		}
	}
}

func TestResample_SameRateCopies(t *testing.T) {
	in := []int16{1, 2, 3}
	out := Resample(in, 8000, 8000)
	out[0] = 9
	if in[0] != 1 {
		t.Fatalf("input aliased")
	}
}

func TestSamplesBytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	out := Samples(Bytes(in))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("out=%v, want %v", out, in)
		}
	}
}

func TestMulawSilence(t *testing.T) {
	silence := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	lin := FromMulaw(silence, 16000)
	if len(lin) != 16 {
		t.Fatalf("pcm bytes=%d, want 16", len(lin))
	}
	for _, s := range Samples(lin) {
		if s != 0 {
			t.Fatalf("silence decoded to %d", s)
		}
	}
	back := ToMulaw(lin, 16000)
	if len(back) != 4 {
		t.Fatalf("mulaw bytes=%d, want 4", len(back))
	}
	for _, b := range back {
		if b != 0xFF {
			t.Fatalf("mulaw=%x", back)
		}
	}
}
