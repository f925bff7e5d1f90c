// Package optim holds the gradient solver used by the trainer. It implements
// gorgonia.Solver so it consumes the same ValueGrads a gorgonia solver would,
// and exposes its accumulators so checkpoints can persist them.
package optim

import (
	"errors"
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
)

// ErrStateMismatch is returned when restored accumulators do not fit the model.
var ErrStateMismatch = errors.New("optimizer state mismatch")

// RMSProp scales each step by a running mean of squared gradients:
//
//	v = rho*v + (1-rho)*g²
//	w = w - lr*g/(sqrt(v)+eps)
type RMSProp struct {
	lr, rho, eps float64
	// accumulators, indexed by position in the ValueGrad slice
	square [][]float64
	steps  int
}

var _ gorgonia.Solver = (*RMSProp)(nil)

// Option configures an RMSProp.
type Option func(*RMSProp)

// WithRho sets the decay of the squared-gradient average.
func WithRho(rho float64) Option { return func(o *RMSProp) { o.rho = rho } }

// WithEps sets the denominator stabiliser.
func WithEps(eps float64) Option { return func(o *RMSProp) { o.eps = eps } }

// NewRMSProp returns a solver with learning rate lr, rho 0.99 and eps 1e-8.
func NewRMSProp(lr float64, opts ...Option) *RMSProp {
	o := &RMSProp{lr: lr, rho: 0.99, eps: 1e-8}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LearnRate returns the configured learning rate.
func (o *RMSProp) LearnRate() float64 { return o.lr }

// Steps is the number of updates applied so far.
func (o *RMSProp) Steps() int { return o.steps }

// Step applies one update to every parameter in place and then zeroes its
// gradient. The slice must list parameters in the same order on every call.
func (o *RMSProp) Step(model []gorgonia.ValueGrad) error {
	if o.square == nil {
		o.square = make([][]float64, len(model))
	}
	if len(model) != len(o.square) {
		return fmt.Errorf("%w: %d parameters, solver tracks %d", ErrStateMismatch, len(model), len(o.square))
	}
	for i, vg := range model {
		w, ok := vg.Value().Data().([]float64)
		if !ok {
			return fmt.Errorf("param %d: unsupported data %T", i, vg.Value().Data())
		}
		gv, err := vg.Grad()
		if err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
		g, ok := gv.Data().([]float64)
		if !ok || len(g) != len(w) {
			return fmt.Errorf("param %d: gradient does not match value", i)
		}
		if o.square[i] == nil {
			o.square[i] = make([]float64, len(w))
		}
		v := o.square[i]
		if len(v) != len(w) {
			return fmt.Errorf("%w: param %d has %d values, accumulator %d", ErrStateMismatch, i, len(w), len(v))
		}
		for j := range w {
			v[j] = o.rho*v[j] + (1-o.rho)*g[j]*g[j]
			w[j] -= o.lr * g[j] / (math.Sqrt(v[j]) + o.eps)
			g[j] = 0
		}
	}
	o.steps++
	return nil
}

// State is the exported solver state.
type State struct {
	LearnRate float64
	Rho       float64
	Eps       float64
	Steps     int
	Square    [][]float64
}

// State returns a deep copy of the solver state.
func (o *RMSProp) State() State {
	st := State{LearnRate: o.lr, Rho: o.rho, Eps: o.eps, Steps: o.steps}
	if o.square != nil {
		st.Square = make([][]float64, len(o.square))
		for i, v := range o.square {
			st.Square[i] = append([]float64(nil), v...)
		}
	}
	return st
}

// Restore replaces the solver state. sizes lists the element count of each
// parameter and is used to reject state saved for a different model.
func (o *RMSProp) Restore(st State, sizes []int) error {
	if st.Square != nil {
		if len(st.Square) != len(sizes) {
			return fmt.Errorf("%w: %d accumulators for %d parameters", ErrStateMismatch, len(st.Square), len(sizes))
		}
		for i, v := range st.Square {
			if len(v) != 0 && len(v) != sizes[i] {
				return fmt.Errorf("%w: accumulator %d has %d values, want %d", ErrStateMismatch, i, len(v), sizes[i])
			}
		}
	}
	o.lr, o.rho, o.eps, o.steps = st.LearnRate, st.Rho, st.Eps, st.Steps
	o.square = nil
	if st.Square != nil {
		o.square = make([][]float64, len(st.Square))
		for i, v := range st.Square {
			if len(v) != 0 {
				o.square[i] = append([]float64(nil), v...)
			}
		}
	}
	return nil
}
