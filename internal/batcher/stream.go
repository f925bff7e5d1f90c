// Package batcher carves one encoded corpus into temporally contiguous
// training windows.
//
// The corpus is split into batchSize lanes of equal length. Lane i reads the
// region starting at i*laneLen, and each call to Next advances every lane by
// timeSteps, so window k+1 of a lane continues exactly where window k ended.
// This is what allows hidden state to be carried across batch boundaries.
package batcher

import (
	"errors"
	"fmt"
)

var (
	// ErrExhausted is returned by Next when called more than Len times without
	// an intervening Reset.
	ErrExhausted = errors.New("batcher exhausted")
	// ErrCorpusTooShort is returned when the corpus cannot fill a single
	// window per lane.
	ErrCorpusTooShort = errors.New("corpus too short")
	// ErrInvalidShape is returned for non-positive window or batch sizes.
	ErrInvalidShape = errors.New("invalid batch shape")
)

// Window is one (input, target) mini-batch. Both are batchSize × timeSteps;
// Target[i][t] is the corpus character following Input[i][t].
type Window struct {
	Input  [][]int
	Target [][]int
}

// Final returns the target of the last timestep for every lane.
func (w Window) Final() []int {
	out := make([]int, len(w.Target))
	for i, row := range w.Target {
		out[i] = row[len(row)-1]
	}
	return out
}

// Stream is a deterministic, replayable window source.
type Stream struct {
	corpus    []int
	timeSteps int
	batchSize int
	laneLen   int
	windows   int
	cursor    int
}

// New builds a Stream over encoded. The corpus is not copied and must not be
// modified afterwards.
func New(encoded []int, timeSteps, batchSize int) (*Stream, error) {
	if timeSteps <= 0 || batchSize <= 0 {
		return nil, fmt.Errorf("%w: time_steps=%d batch_size=%d", ErrInvalidShape, timeSteps, batchSize)
	}
	// one character is reserved so the last window of the last lane has a target
	laneLen := 0
	if len(encoded) > 0 {
		laneLen = (len(encoded) - 1) / batchSize
	}
	windows := laneLen / timeSteps
	if windows == 0 {
		return nil, fmt.Errorf("%w: %d characters for %d lanes of %d steps",
			ErrCorpusTooShort, len(encoded), batchSize, timeSteps)
	}
	return &Stream{
		corpus:    encoded,
		timeSteps: timeSteps,
		batchSize: batchSize,
		laneLen:   laneLen,
		windows:   windows,
	}, nil
}

// Len is the number of windows available per pass.
func (s *Stream) Len() int { return s.windows }

// TimeSteps is the window length.
func (s *Stream) TimeSteps() int { return s.timeSteps }

// BatchSize is the number of lanes.
func (s *Stream) BatchSize() int { return s.batchSize }

// Remaining is the number of windows left before exhaustion.
func (s *Stream) Remaining() int { return s.windows - s.cursor }

// Reset rewinds every lane to the start of its sub-stream.
func (s *Stream) Reset() { s.cursor = 0 }

// Next returns the next window and advances all lanes.
func (s *Stream) Next() (Window, error) {
	if s.cursor >= s.windows {
		return Window{}, fmt.Errorf("%w: %d windows consumed", ErrExhausted, s.cursor)
	}
	w := Window{
		Input:  make([][]int, s.batchSize),
		Target: make([][]int, s.batchSize),
	}
	offset := s.cursor * s.timeSteps
	for lane := 0; lane < s.batchSize; lane++ {
		start := lane*s.laneLen + offset
		in := make([]int, s.timeSteps)
		tg := make([]int, s.timeSteps)
		copy(in, s.corpus[start:start+s.timeSteps])
		copy(tg, s.corpus[start+1:start+1+s.timeSteps])
		w.Input[lane] = in
		w.Target[lane] = tg
	}
	s.cursor++
	return w, nil
}
