package vocab

import (
	"errors"
	"testing"
)

func TestBuildDeterministic(t *testing.T) {
	v := Build("cabbage")
	if v.Size() != 5 {
		t.Fatalf("size = %d, want 5", v.Size())
	}
	want := "abceg"
	if got := string(v.Chars()); got != want {
		t.Fatalf("chars = %q, want %q", got, want)
	}
	w := Build("gabbace")
	if string(w.Chars()) != want {
		t.Fatalf("order depends on input order: %q", string(w.Chars()))
	}
}

func TestRoundTrip(t *testing.T) {
	corpora := []string{
		"hello world",
		"abcabcabcabc",
		"Ünïcödé ✓ text\nwith lines\t",
		"",
	}
	for _, text := range corpora {
		v := Build(text)
		ids, err := v.Encode(text)
		if err != nil {
			t.Fatalf("encode %q: %v", text, err)
		}
		back, err := v.Decode(ids)
		if err != nil {
			t.Fatalf("decode %q: %v", text, err)
		}
		if back != text {
			t.Fatalf("round trip: got %q, want %q", back, text)
		}
	}
}

func TestEncodeUnknown(t *testing.T) {
	v := Build("abc")
	_, err := v.Encode("abz")
	if !errors.Is(err, ErrUnknownCharacter) {
		t.Fatalf("expect ErrUnknownCharacter, got %v", err)
	}
	if _, err := v.Decode([]int{0, 3}); !errors.Is(err, ErrUnknownIndex) {
		t.Fatalf("expect ErrUnknownIndex, got %v", err)
	}
}

func TestSequence(t *testing.T) {
	v := Build("abc")
	x, err := v.Sequence("cab")
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if s := x.Shape(); len(s) != 2 || s[0] != 3 || s[1] != 3 {
		t.Fatalf("shape = %v", s)
	}
	data := x.Data().([]float64)
	want := []float64{
		0, 0, 1,
		1, 0, 0,
		0, 1, 0,
	}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("data = %v, want %v", data, want)
		}
	}
	if _, err := v.Sequence("cat"); !errors.Is(err, ErrUnknownCharacter) {
		t.Fatalf("expect ErrUnknownCharacter, got %v", err)
	}
}

func TestOneHot(t *testing.T) {
	v := Build("abc")
	x, err := v.OneHot([][]int{{0, 1}, {2, 2}})
	if err != nil {
		t.Fatalf("one-hot: %v", err)
	}
	if s := x.Shape(); len(s) != 3 || s[0] != 2 || s[1] != 2 || s[2] != 3 {
		t.Fatalf("shape = %v", s)
	}
	data := x.Data().([]float64)
	if data[0] != 1 || data[4] != 1 || data[8] != 1 || data[11] != 1 {
		t.Fatalf("unexpected one-hot layout %v", data)
	}
	if _, err := v.OneHot([][]int{{0, 1}, {2}}); err == nil {
		t.Fatalf("expect error for ragged batch")
	}
}

func TestFromChars(t *testing.T) {
	v, err := FromChars([]rune("xyz"))
	if err != nil {
		t.Fatalf("from chars: %v", err)
	}
	if id, ok := v.Index('z'); !ok || id != 2 {
		t.Fatalf("index z = %d, %v", id, ok)
	}
	if _, err := FromChars([]rune("xyx")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expect ErrDuplicate, got %v", err)
	}
}
