// Package config holds construction-time settings for a charparrot model and
// its training run.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"charparrot/internal/rnn"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is fixed once a model is built.
type Config struct {
	Model         string  `json:"model"`
	CaseSensitive bool    `json:"case_sensitive"`
	TimeSteps     int     `json:"time_steps"`
	BatchSize     int     `json:"batch_size"`
	HiddenSize    int     `json:"hidden_size"`
	Layers        int     `json:"layers"`
	Dropout       float64 `json:"dropout"`
	LearningRate  float64 `json:"learning_rate"`
	ZeroHidden    bool    `json:"zero_hidden"`
	// Checkpoint is where training progress is saved; empty disables saving.
	Checkpoint string `json:"checkpoint"`
	Seed       int64  `json:"seed"`
	Epochs     int    `json:"epochs"`
	LogLevel   string `json:"log_level"`
}

// Defaults returns a config that trains a small two-layer LSTM.
func Defaults() Config {
	return Config{
		Model:        "lstm",
		TimeSteps:    50,
		BatchSize:    32,
		HiddenSize:   128,
		Layers:       2,
		Dropout:      0.2,
		LearningRate: 0.002,
		Seed:         1,
		Epochs:       10,
		LogLevel:     "info",
	}
}

// LoadJSON reads a config from path, or from raw when it is non-empty.
// Fields missing from the document keep their Defaults value; unknown fields
// are rejected.
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Defaults()
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Kind parses the model field.
func (c Config) Kind() (rnn.Kind, error) {
	return rnn.ParseKind(c.Model)
}

// Validate reports the first problem found.
func (c Config) Validate() error {
	if _, err := c.Kind(); err != nil {
		return fmt.Errorf("%w: model: %w", ErrInvalid, err)
	}
	switch {
	case c.TimeSteps <= 0:
		return fmt.Errorf("%w: time_steps must be positive, got %d", ErrInvalid, c.TimeSteps)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalid, c.BatchSize)
	case c.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden_size must be positive, got %d", ErrInvalid, c.HiddenSize)
	case c.Layers <= 0:
		return fmt.Errorf("%w: layers must be positive, got %d", ErrInvalid, c.Layers)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrInvalid, c.Dropout)
	case !(c.LearningRate > 0):
		return fmt.Errorf("%w: learning_rate must be positive, got %v", ErrInvalid, c.LearningRate)
	case c.Epochs < 0:
		return fmt.Errorf("%w: epochs must not be negative, got %d", ErrInvalid, c.Epochs)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: log_level: %w", ErrInvalid, err)
		}
	}
	return nil
}

// ModelConfig is the network shape for a vocabulary of the given size.
func (c Config) ModelConfig(vocabSize int) rnn.Config {
	return rnn.Config{
		Input:   vocabSize,
		Output:  vocabSize,
		Hidden:  c.HiddenSize,
		Layers:  c.Layers,
		Batch:   c.BatchSize,
		Dropout: c.Dropout,
	}
}

// Fields returns the settings as structured log fields.
func (c Config) Fields() logrus.Fields {
	return logrus.Fields{
		"model":         c.Model,
		"time_steps":    c.TimeSteps,
		"batch_size":    c.BatchSize,
		"hidden_size":   c.HiddenSize,
		"layers":        c.Layers,
		"dropout":       c.Dropout,
		"learning_rate": c.LearningRate,
		"zero_hidden":   c.ZeroHidden,
	}
}
