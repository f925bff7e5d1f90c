// Package generate extends a seed string one character at a time by sampling
// from the model's temperature-scaled output distribution.
package generate

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"

	"charparrot/internal/rnn"
	"charparrot/internal/vocab"
)

var (
	// ErrTemperature is returned for a non-positive or non-finite temperature.
	ErrTemperature = errors.New("temperature must be positive")
	// ErrInvalidArgument is returned for an empty seed, negative length or
	// non-positive context window.
	ErrInvalidArgument = errors.New("invalid generation argument")
)

// Forwarder is the part of a model generation needs.
type Forwarder interface {
	SetMode(rnn.Mode) rnn.State
	Forward(rnn.State, *tensor.Dense) (*rnn.Pass, error)
}

// Options configures a Generator.
type Options struct {
	// Rand drives sampling. Required.
	Rand *rand.Rand
	// Sink, when set, receives the seed and then each character as it is
	// sampled.
	Sink   io.Writer
	Logger logrus.FieldLogger
}

// Generator samples text from a model.
type Generator struct {
	model Forwarder
	voc   *vocab.Vocabulary
	rng   *rand.Rand
	sink  io.Writer
	log   logrus.FieldLogger
}

// New returns a Generator.
func New(model Forwarder, voc *vocab.Vocabulary, opts Options) (*Generator, error) {
	if opts.Rand == nil {
		return nil, fmt.Errorf("%w: nil random source", ErrInvalidArgument)
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Generator{model: model, voc: voc, rng: opts.Rand, sink: opts.Sink, log: log}, nil
}

// Generate returns seed followed by length sampled characters. Each step
// feeds the last contextWindow characters of the text so far; the hidden
// state runs on from step to step.
func (g *Generator) Generate(seed string, length, contextWindow int, temperature float64) (string, error) {
	switch {
	case seed == "":
		return "", fmt.Errorf("%w: empty seed", ErrInvalidArgument)
	case length < 0:
		return "", fmt.Errorf("%w: length %d", ErrInvalidArgument, length)
	case contextWindow <= 0:
		return "", fmt.Errorf("%w: context window %d", ErrInvalidArgument, contextWindow)
	case !(temperature > 0) || math.IsInf(temperature, 1):
		return "", fmt.Errorf("%w: %v", ErrTemperature, temperature)
	}
	// reject unknown seed characters before any model work
	if _, err := g.voc.Encode(seed); err != nil {
		return "", err
	}

	start := time.Now()
	state := g.model.SetMode(rnn.ModeGenerate)
	text := []rune(seed)
	if err := g.emit(seed); err != nil {
		return "", err
	}
	for i := 0; i < length; i++ {
		from := len(text) - contextWindow
		if from < 0 {
			from = 0
		}
		x, err := g.voc.Sequence(string(text[from:]))
		if err != nil {
			return "", err
		}
		shp := x.Shape()
		if err := x.Reshape(1, shp[0], shp[1]); err != nil {
			return "", fmt.Errorf("reshape input: %w", err)
		}
		pass, err := g.model.Forward(state, x)
		if err != nil {
			return "", fmt.Errorf("step %d: %w", i, err)
		}
		state = pass.State

		probs := Softmax(pass.Last(0), temperature)
		r, err := g.voc.Char(Sample(probs, g.rng))
		if err != nil {
			return "", err
		}
		text = append(text, r)
		if err := g.emit(string(r)); err != nil {
			return "", err
		}
	}
	g.log.WithFields(logrus.Fields{
		"seed_len":    len([]rune(seed)),
		"length":      length,
		"context":     contextWindow,
		"temperature": temperature,
		"dur_ms":      time.Since(start).Milliseconds(),
	}).Debug("generated")
	return string(text), nil
}

func (g *Generator) emit(s string) error {
	if g.sink == nil {
		return nil
	}
	_, err := io.WriteString(g.sink, s)
	return err
}

// Softmax returns softmax(logits/temperature). Temperatures below one sharpen
// the distribution toward the argmax, above one flatten it toward uniform.
func Softmax(logits []float64, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	copy(probs, logits)
	floats.Scale(1/temperature, probs)
	floats.AddConst(-floats.Max(probs), probs)
	for i, v := range probs {
		probs[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

// Sample draws an index from the categorical distribution probs.
func Sample(probs []float64, rng *rand.Rand) int {
	cum := make([]float64, len(probs))
	floats.CumSum(cum, probs)
	r := rng.Float64() * cum[len(cum)-1]
	i := sort.SearchFloat64s(cum, r)
	// skip zero-probability entries that share a cumulative value
	for i < len(probs)-1 && (probs[i] == 0 || cum[i] <= r) {
		i++
	}
	return i
}
