// Package parrot wires vocabulary, batcher, model, solver, trainer and
// generator into one character-level language model.
package parrot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"charparrot/internal/batcher"
	"charparrot/internal/checkpoint"
	"charparrot/internal/config"
	"charparrot/internal/generate"
	"charparrot/internal/optim"
	"charparrot/internal/rnn"
	"charparrot/internal/train"
	"charparrot/internal/vocab"
)

// ErrNoCorpus is returned by Train on a Parrot opened from a checkpoint alone.
var ErrNoCorpus = errors.New("no training corpus")

// Parrot owns one model and everything needed to train and sample it.
type Parrot struct {
	cfg    config.Config
	voc    *vocab.Vocabulary
	stream *batcher.Stream
	model  *rnn.Network
	solver *optim.RMSProp
	rng    *rand.Rand
	log    logrus.FieldLogger
}

// New validates cfg, folds text unless the config is case sensitive, and
// builds a fresh model over its vocabulary.
func New(cfg config.Config, text string, log logrus.FieldLogger) (*Parrot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.CaseSensitive {
		text = strings.ToLower(text)
	}
	voc := vocab.Build(text)
	ids, err := voc.Encode(text)
	if err != nil {
		return nil, err
	}
	stream, err := batcher.New(ids, cfg.TimeSteps, cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("batch corpus of %d characters: %w", len(ids), err)
	}
	p, err := build(cfg, voc, log)
	if err != nil {
		return nil, err
	}
	p.stream = stream
	p.log.WithFields(cfg.Fields()).WithFields(logrus.Fields{
		"corpus":  len(ids),
		"vocab":   voc.Size(),
		"batches": stream.Len(),
	}).Info("model built")
	return p, nil
}

// Open rebuilds a Parrot from the checkpoint at path. The model shape and
// vocabulary come from the checkpoint; cfg supplies the rest. The result can
// generate and save but not train.
func Open(cfg config.Config, path string, log logrus.FieldLogger) (*Parrot, error) {
	snap, err := checkpoint.Read(path)
	if err != nil {
		return nil, err
	}
	voc, err := vocab.FromChars(snap.Chars)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", checkpoint.ErrMismatch, err)
	}
	cfg.Model = snap.Kind
	cfg.HiddenSize = snap.Config.Hidden
	cfg.Layers = snap.Config.Layers
	cfg.BatchSize = snap.Config.Batch
	cfg.Dropout = snap.Config.Dropout
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := build(cfg, voc, log)
	if err != nil {
		return nil, err
	}
	if err := snap.Apply(p.model, p.solver, voc); err != nil {
		p.Close()
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"path": path, "model": snap.Kind, "vocab": voc.Size()}).Info("checkpoint opened")
	return p, nil
}

func build(cfg config.Config, voc *vocab.Vocabulary, log logrus.FieldLogger) (*Parrot, error) {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	kind, err := cfg.Kind()
	if err != nil {
		return nil, err
	}
	model, err := rnn.New(rnn.Context{Rand: rand.New(rand.NewSource(cfg.Seed))}, kind, cfg.ModelConfig(voc.Size()))
	if err != nil {
		return nil, err
	}
	return &Parrot{
		cfg:    cfg,
		voc:    voc,
		model:  model,
		solver: optim.NewRMSProp(cfg.LearningRate),
		rng:    rand.New(rand.NewSource(cfg.Seed + 1)),
		log:    log,
	}, nil
}

// Config returns the effective configuration.
func (p *Parrot) Config() config.Config { return p.cfg }

// Vocabulary returns the character set the model was built for.
func (p *Parrot) Vocabulary() *vocab.Vocabulary { return p.voc }

// Model exposes the underlying network.
func (p *Parrot) Model() rnn.Model { return p.model }

// Train runs epochs over the corpus. When the config names a checkpoint the
// progress is saved afterwards.
func (p *Parrot) Train(ctx context.Context, epochs int, reporter train.Reporter) (train.Result, error) {
	if p.stream == nil {
		return train.Result{}, ErrNoCorpus
	}
	tr, err := train.New(p.model, p.stream, p.voc, p.solver, train.Options{
		ZeroHidden: p.cfg.ZeroHidden,
		Reporter:   reporter,
		Logger:     p.log,
	})
	if err != nil {
		return train.Result{}, err
	}
	start := time.Now()
	res, err := tr.Train(ctx, epochs)
	if err != nil {
		return res, err
	}
	if p.cfg.Checkpoint != "" {
		if err := p.Save(p.cfg.Checkpoint); err != nil {
			return res, err
		}
	}
	p.log.WithFields(logrus.Fields{
		"epochs":     epochs,
		"windows":    res.Windows,
		"final_loss": res.Final(),
		"dur_ms":     time.Since(start).Milliseconds(),
	}).Info("training finished")
	return res, nil
}

// Generate extends seed by length characters, feeding at most contextWindow
// trailing characters per step. The seed is folded like the corpus. When sink
// is non-nil the text is also streamed to it as it is produced.
func (p *Parrot) Generate(seed string, length, contextWindow int, temperature float64, sink io.Writer) (string, error) {
	if !p.cfg.CaseSensitive {
		seed = strings.ToLower(seed)
	}
	g, err := generate.New(p.model, p.voc, generate.Options{Rand: p.rng, Sink: sink, Logger: p.log})
	if err != nil {
		return "", err
	}
	return g.Generate(seed, length, contextWindow, temperature)
}

// Save writes model and solver state to path.
func (p *Parrot) Save(path string) error {
	if err := checkpoint.Save(path, p.model, p.solver, p.voc); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"path": path, "steps": p.solver.Steps()}).Info("progress saved")
	return nil
}

// Load restores model and solver state from path.
func (p *Parrot) Load(path string) error {
	if err := checkpoint.Load(path, p.model, p.solver, p.voc); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"path": path, "steps": p.solver.Steps()}).Info("checkpoint loaded")
	return nil
}

// Close releases the model's compiled graphs.
func (p *Parrot) Close() error {
	return p.model.Close()
}
