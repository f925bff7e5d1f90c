// Package checkpoint persists a model's parameters together with the solver
// accumulators and the vocabulary they were trained against.
//
// A checkpoint is a gob blob at the given path and a JSON manifest next to
// it (path + ".json") describing what the blob holds.
package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"charparrot/internal/optim"
	"charparrot/internal/rnn"
	"charparrot/internal/vocab"
)

var (
	// ErrNotFound is returned by Load and Read when no checkpoint exists at
	// the path. It is always joined with fs.ErrNotExist.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrMismatch is returned when a checkpoint was saved for a different
	// model kind, shape or vocabulary.
	ErrMismatch = errors.New("checkpoint does not match model")
)

// Tensor is a serialised parameter.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// Snapshot is the gob payload.
type Snapshot struct {
	Kind   string
	Config rnn.Config
	Chars  []rune
	Params []Tensor
	// Solver is nil when the checkpoint was saved without optimizer state.
	Solver *optim.State
}

// Manifest describes a checkpoint for humans and tooling.
type Manifest struct {
	Kind         string    `json:"kind"`
	Input        int       `json:"input"`
	Hidden       int       `json:"hidden"`
	Layers       int       `json:"layers"`
	Batch        int       `json:"batch"`
	Dropout      float64   `json:"dropout"`
	VocabSize    int       `json:"vocab_size"`
	Params       int       `json:"params"`
	SolverSteps  int       `json:"solver_steps"`
	LearningRate float64   `json:"learning_rate,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// ManifestPath returns where the manifest for a checkpoint at path lives.
func ManifestPath(path string) string { return path + ".json" }

// Capture builds a snapshot of the current model, solver and vocabulary.
// solver may be nil.
func Capture(model rnn.Model, solver *optim.RMSProp, voc *vocab.Vocabulary) *Snapshot {
	snap := &Snapshot{
		Kind:   model.Kind().String(),
		Config: model.Config(),
		Chars:  voc.Chars(),
	}
	for _, p := range model.Params() {
		snap.Params = append(snap.Params, Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape()...),
			Data:  append([]float64(nil), p.Value.Data().([]float64)...),
		})
	}
	if solver != nil {
		st := solver.State()
		snap.Solver = &st
	}
	return snap
}

// Save writes the checkpoint and its manifest, creating parent directories
// as needed.
func Save(path string, model rnn.Model, solver *optim.RMSProp, voc *vocab.Vocabulary) error {
	snap := Capture(model, solver, voc)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	return writeManifest(ManifestPath(path), snap)
}

func writeManifest(path string, snap *Snapshot) error {
	m := Manifest{
		Kind:      snap.Kind,
		Input:     snap.Config.Input,
		Hidden:    snap.Config.Hidden,
		Layers:    snap.Config.Layers,
		Batch:     snap.Config.Batch,
		Dropout:   snap.Config.Dropout,
		VocabSize: len(snap.Chars),
		SavedAt:   time.Now().UTC(),
	}
	for _, p := range snap.Params {
		m.Params += len(p.Data)
	}
	if snap.Solver != nil {
		m.SolverSteps = snap.Solver.Steps
		m.LearningRate = snap.Solver.LearnRate
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return nil
}

// Read decodes the snapshot at path without applying it.
func Read(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	var snap Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &snap, nil
}

// Load reads the checkpoint at path and applies it to model, solver and voc.
// Nothing is modified unless the whole checkpoint fits.
func Load(path string, model rnn.Model, solver *optim.RMSProp, voc *vocab.Vocabulary) error {
	snap, err := Read(path)
	if err != nil {
		return err
	}
	return snap.Apply(model, solver, voc)
}

// Apply copies the snapshot's parameters into model in place and restores
// the solver accumulators. A nil solver skips the optimizer state.
func (s *Snapshot) Apply(model rnn.Model, solver *optim.RMSProp, voc *vocab.Vocabulary) error {
	if err := s.Verify(model, voc); err != nil {
		return err
	}
	params := model.Params()
	if solver != nil && s.Solver != nil {
		sizes := make([]int, len(params))
		for i, p := range params {
			sizes[i] = p.Value.Shape().TotalSize()
		}
		if err := solver.Restore(*s.Solver, sizes); err != nil {
			return fmt.Errorf("%w: %w", ErrMismatch, err)
		}
	}
	for i, p := range params {
		copy(p.Value.Data().([]float64), s.Params[i].Data)
	}
	return nil
}

// Verify reports whether the snapshot fits model and voc.
func (s *Snapshot) Verify(model rnn.Model, voc *vocab.Vocabulary) error {
	if kind := model.Kind().String(); s.Kind != kind {
		return fmt.Errorf("%w: saved %s, model is %s", ErrMismatch, s.Kind, kind)
	}
	cfg := model.Config()
	if s.Config.Input != cfg.Input || s.Config.Output != cfg.Output ||
		s.Config.Hidden != cfg.Hidden || s.Config.Layers != cfg.Layers {
		return fmt.Errorf("%w: saved %d→%d hidden %d×%d, model %d→%d hidden %d×%d", ErrMismatch,
			s.Config.Input, s.Config.Output, s.Config.Layers, s.Config.Hidden,
			cfg.Input, cfg.Output, cfg.Layers, cfg.Hidden)
	}
	if chars := voc.Chars(); string(chars) != string(s.Chars) {
		return fmt.Errorf("%w: vocabulary differs (%d saved, %d current)", ErrMismatch, len(s.Chars), len(chars))
	}
	params := model.Params()
	if len(params) != len(s.Params) {
		return fmt.Errorf("%w: %d saved parameters, model has %d", ErrMismatch, len(s.Params), len(params))
	}
	for i, p := range params {
		saved := s.Params[i]
		if saved.Name != p.Name || !p.Value.Shape().Eq(saved.Shape) || len(saved.Data) != p.Value.Shape().TotalSize() {
			return fmt.Errorf("%w: parameter %d is %s%v, model has %s%v", ErrMismatch, i, saved.Name, saved.Shape, p.Name, p.Value.Shape())
		}
	}
	return nil
}
