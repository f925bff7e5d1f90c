// Package train drives epochs of truncated backpropagation through time over
// a batcher.Stream.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/gorgonia"

	"charparrot/internal/batcher"
	"charparrot/internal/rnn"
	"charparrot/internal/vocab"
)

// ErrInvariant marks a broken internal invariant, such as the stream running
// out of windows before Len() was reached. It is never retried.
var ErrInvariant = errors.New("training invariant violated")

// Progress is one per-window observation.
type Progress struct {
	Epoch, Epochs  int
	Batch, Batches int
	Loss           float64 // loss of this window
	RunningLoss    float64 // average over the epoch so far
}

// Reporter receives progress; it cannot influence training.
type Reporter interface {
	Report(Progress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Progress)

func (f ReporterFunc) Report(p Progress) { f(p) }

// Options configures a Trainer.
type Options struct {
	// ZeroHidden resets the hidden state before every window, making windows
	// independent. When false, state flows from window to window within an
	// epoch (values only, gradients are cut at each boundary).
	ZeroHidden bool
	Reporter   Reporter
	Logger     logrus.FieldLogger
}

// Result summarises a Train call.
type Result struct {
	EpochLoss []float64 // average window loss per epoch
	Windows   int       // windows trained in total
}

// Final is the average loss of the last epoch.
func (r Result) Final() float64 {
	if len(r.EpochLoss) == 0 {
		return 0
	}
	return r.EpochLoss[len(r.EpochLoss)-1]
}

// Trainer owns the solver and the stream cursors for the duration of Train.
type Trainer struct {
	model  rnn.Model
	stream *batcher.Stream
	voc    *vocab.Vocabulary
	solver gorgonia.Solver
	opts   Options
	log    logrus.FieldLogger
}

// New checks that the pieces agree on shape.
func New(model rnn.Model, stream *batcher.Stream, voc *vocab.Vocabulary, solver gorgonia.Solver, opts Options) (*Trainer, error) {
	cfg := model.Config()
	if stream.BatchSize() != cfg.Batch {
		return nil, fmt.Errorf("%w: stream has %d lanes, model batch is %d", rnn.ErrShapeMismatch, stream.BatchSize(), cfg.Batch)
	}
	if voc.Size() != cfg.Input || voc.Size() != cfg.Output {
		return nil, fmt.Errorf("%w: vocabulary of %d for model %d→%d", rnn.ErrShapeMismatch, voc.Size(), cfg.Input, cfg.Output)
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Trainer{model: model, stream: stream, voc: voc, solver: solver, opts: opts, log: log}, nil
}

// Train runs epochs full passes over the stream. A NaN or infinite loss is
// not intercepted.
func (t *Trainer) Train(ctx context.Context, epochs int) (Result, error) {
	var res Result
	batches := t.stream.Len()
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()
		state := t.model.SetMode(rnn.ModeTrain)
		t.stream.Reset()

		losses := make([]float64, 0, batches)
		for i := 1; i <= batches; i++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if t.opts.ZeroHidden {
				state = t.model.ResetHidden(t.stream.BatchSize())
			}
			loss, next, err := t.step(state)
			if err != nil {
				return res, fmt.Errorf("epoch %d window %d: %w", epoch, i, err)
			}
			state = next
			losses = append(losses, loss)
			res.Windows++
			if t.opts.Reporter != nil {
				t.opts.Reporter.Report(Progress{
					Epoch: epoch, Epochs: epochs,
					Batch: i, Batches: batches,
					Loss:        loss,
					RunningLoss: floats.Sum(losses) / float64(len(losses)),
				})
			}
		}

		avg := floats.Sum(losses) / float64(len(losses))
		res.EpochLoss = append(res.EpochLoss, avg)
		t.log.WithFields(logrus.Fields{
			"epoch":   epoch,
			"epochs":  epochs,
			"windows": batches,
			"loss":    avg,
			"dur_ms":  time.Since(start).Milliseconds(),
		}).Info("epoch finished")
	}
	return res, nil
}

// step trains on one window: forward with gradients (the pass starts from
// freshly cleared gradient buffers), final-timestep loss, one solver update.
func (t *Trainer) step(state rnn.State) (float64, rnn.State, error) {
	w, err := t.stream.Next()
	if err != nil {
		if errors.Is(err, batcher.ErrExhausted) {
			return 0, state, fmt.Errorf("%w: %w", ErrInvariant, err)
		}
		return 0, state, err
	}
	x, err := t.voc.OneHot(w.Input)
	if err != nil {
		return 0, state, err
	}
	pass, err := t.model.Train(state, x, w.Final())
	if err != nil {
		return 0, state, err
	}
	if err := t.solver.Step(pass.ValueGrads()); err != nil {
		return 0, state, fmt.Errorf("solver step: %w", err)
	}
	return pass.Loss, pass.State, nil
}

// LogReporter logs the running loss every Every windows at debug level.
type LogReporter struct {
	Log   logrus.FieldLogger
	Every int
}

func (r LogReporter) Report(p Progress) {
	every := r.Every
	if every <= 0 {
		every = 1
	}
	if p.Batch%every != 0 && p.Batch != p.Batches {
		return
	}
	r.Log.WithFields(logrus.Fields{
		"epoch": fmt.Sprintf("%d/%d", p.Epoch, p.Epochs),
		"batch": fmt.Sprintf("%d/%d", p.Batch, p.Batches),
		"loss":  p.RunningLoss,
	}).Debug("training")
}
