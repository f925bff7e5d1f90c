package generate

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"gorgonia.org/tensor"

	"charparrot/internal/rnn"
	"charparrot/internal/vocab"
)

// fixedModel returns the same logits at every step and counts the steps it
// saw, checking the input window each time.
type fixedModel struct {
	t      *testing.T
	logits []float64
	window int
	calls  int
	step   int
	mode   rnn.Mode
}

func (m *fixedModel) SetMode(mode rnn.Mode) rnn.State {
	m.mode = mode
	m.step = 0
	return rnn.State{Tensors: []*tensor.Dense{tensor.New(tensor.WithShape(1, 1, 1), tensor.WithBacking([]float64{0}))}}
}

func (m *fixedModel) Forward(st rnn.State, x *tensor.Dense) (*rnn.Pass, error) {
	shp := x.Shape()
	if len(shp) != 3 || shp[0] != 1 || shp[2] != len(m.logits) {
		m.t.Fatalf("unexpected input shape %v", shp)
	}
	if shp[1] > m.window {
		m.t.Fatalf("input of %d steps exceeds context window %d", shp[1], m.window)
	}
	if got := st.Tensors[0].Data().([]float64)[0]; got != float64(m.step) {
		m.t.Fatalf("step %d received state %v", m.step, got)
	}
	m.calls++
	m.step++
	backing := make([]float64, 0, shp[1]*len(m.logits))
	for i := 0; i < shp[1]; i++ {
		backing = append(backing, m.logits...)
	}
	next := rnn.State{Tensors: []*tensor.Dense{tensor.New(tensor.WithShape(1, 1, 1), tensor.WithBacking([]float64{float64(m.step)}))}}
	return &rnn.Pass{
		Logits: tensor.New(tensor.WithShape(1, shp[1], len(m.logits)), tensor.WithBacking(backing)),
		State:  next,
	}, nil
}

func newGenerator(t *testing.T, m *fixedModel, voc *vocab.Vocabulary, seed int64) *Generator {
	t.Helper()
	g, err := New(m, voc, Options{Rand: rand.New(rand.NewSource(seed))})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return g
}

func TestGenerateUniform(t *testing.T) {
	voc := vocab.Build("abc")
	m := &fixedModel{t: t, logits: []float64{0, 0, 0}, window: 2}
	g := newGenerator(t, m, voc, 1)

	out, err := g.Generate("a", 3, 2, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if n := len([]rune(out)); n != 4 || out[0] != 'a' {
		t.Fatalf("output %q", out)
	}
	if m.mode != rnn.ModeGenerate || m.calls != 3 {
		t.Fatalf("mode %v calls %d", m.mode, m.calls)
	}

	counts := map[rune]int{}
	long, err := g.Generate("ab", 6000, 2, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for _, r := range long[2:] {
		counts[r]++
	}
	for _, r := range "abc" {
		if f := float64(counts[r]) / 6000; math.Abs(f-1.0/3) > 0.03 {
			t.Fatalf("frequency of %q is %v", r, f)
		}
	}
}

func TestGenerateLowTemperatureIsArgmax(t *testing.T) {
	voc := vocab.Build("abc")
	m := &fixedModel{t: t, logits: []float64{0.1, 2, 1.9}, window: 4}
	g := newGenerator(t, m, voc, 7)
	out, err := g.Generate("cab", 20, 4, 0.001)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if want := "cab" + strings.Repeat("b", 20); out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestGenerateZeroLength(t *testing.T) {
	voc := vocab.Build("abc")
	m := &fixedModel{t: t, logits: []float64{0, 0, 0}, window: 1}
	g := newGenerator(t, m, voc, 1)
	out, err := g.Generate("ca", 0, 1, 1)
	if err != nil || out != "ca" || m.calls != 0 {
		t.Fatalf("got %q, %v after %d calls", out, err, m.calls)
	}
}

func TestGenerateSink(t *testing.T) {
	voc := vocab.Build("abc")
	m := &fixedModel{t: t, logits: []float64{0, 0, 0}, window: 3}
	var sink bytes.Buffer
	g, err := New(m, voc, Options{Rand: rand.New(rand.NewSource(2)), Sink: &sink})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := g.Generate("ab", 5, 3, 0.8)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sink.String() != out {
		t.Fatalf("sink %q, returned %q", sink.String(), out)
	}
}

func TestGenerateArgumentErrors(t *testing.T) {
	voc := vocab.Build("abc")
	m := &fixedModel{t: t, logits: []float64{0, 0, 0}, window: 2}
	g := newGenerator(t, m, voc, 1)

	cases := []struct {
		name    string
		seed    string
		length  int
		context int
		temp    float64
		want    error
	}{
		{"zero temperature", "a", 1, 1, 0, ErrTemperature},
		{"negative temperature", "a", 1, 1, -1, ErrTemperature},
		{"nan temperature", "a", 1, 1, math.NaN(), ErrTemperature},
		{"empty seed", "", 1, 1, 1, ErrInvalidArgument},
		{"negative length", "a", -1, 1, 1, ErrInvalidArgument},
		{"zero context", "a", 1, 0, 1, ErrInvalidArgument},
		{"unknown seed character", "az", 1, 1, 1, vocab.ErrUnknownCharacter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := g.Generate(tc.seed, tc.length, tc.context, tc.temp); !errors.Is(err, tc.want) {
				t.Fatalf("expect %v, got %v", tc.want, err)
			}
		})
	}
	if m.calls != 0 {
		t.Fatalf("model ran %d times on invalid input", m.calls)
	}
	if _, err := New(m, voc, Options{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expect ErrInvalidArgument for nil rand, got %v", err)
	}
}

func TestSoftmax(t *testing.T) {
	logits := []float64{1, 2, 3}
	p := Softmax(logits, 1)
	sum := math.Exp(1) + math.Exp(2) + math.Exp(3)
	for i, v := range logits {
		if want := math.Exp(v) / sum; math.Abs(p[i]-want) > 1e-12 {
			t.Fatalf("p[%d] = %v, want %v", i, p[i], want)
		}
	}
	if logits[0] != 1 {
		t.Fatalf("softmax modified its input")
	}
	hot := Softmax(logits, 2)
	cold := Softmax(logits, 0.5)
	if !(cold[2] > p[2] && p[2] > hot[2]) {
		t.Fatalf("temperature ordering broken: %v %v %v", cold, p, hot)
	}
	huge := Softmax([]float64{1000, 999}, 1)
	if math.IsNaN(huge[0]) || math.Abs(huge[0]+huge[1]-1) > 1e-12 {
		t.Fatalf("unstable softmax: %v", huge)
	}
}

func TestSampleSkipsZeroMass(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	probs := []float64{0, 0.5, 0, 0.5, 0}
	for i := 0; i < 1000; i++ {
		if s := Sample(probs, rng); s != 1 && s != 3 {
			t.Fatalf("sampled zero-probability index %d", s)
		}
	}
}
