package rnn

import (
	"gorgonia.org/tensor"
)

// State is a recurrent hidden state detached from any computation graph.
// Tensors holds one (GRU) or two (LSTM: running state, memory cell) tensors,
// each shaped (layers, batch, hidden).
type State struct {
	Tensors []*tensor.Dense
}

func zeroState(count, layers, batch, hidden int) State {
	st := State{Tensors: make([]*tensor.Dense, count)}
	for k := range st.Tensors {
		st.Tensors[k] = tensor.New(
			tensor.WithShape(layers, batch, hidden),
			tensor.WithBacking(make([]float64, layers*batch*hidden)),
		)
	}
	return st
}

// Batch returns the batch dimension, or 0 for an uninitialized state.
func (s State) Batch() int {
	if len(s.Tensors) == 0 {
		return 0
	}
	return s.Tensors[0].Shape()[1]
}

// Shape returns the per-tensor shape (layers, batch, hidden).
func (s State) Shape() tensor.Shape {
	if len(s.Tensors) == 0 {
		return nil
	}
	return s.Tensors[0].Shape().Clone()
}

// layer copies out the (batch, hidden) slice of tensor k for one layer.
func (s State) layer(k, l int) *tensor.Dense {
	shp := s.Tensors[k].Shape()
	batch, hidden := shp[1], shp[2]
	size := batch * hidden
	src := s.Tensors[k].Data().([]float64)
	backing := make([]float64, size)
	copy(backing, src[l*size:(l+1)*size])
	return tensor.New(tensor.WithShape(batch, hidden), tensor.WithBacking(backing))
}

// setLayer copies a (batch, hidden) block into layer l of tensor k.
func (s State) setLayer(k, l int, block []float64) {
	dst := s.Tensors[k].Data().([]float64)
	copy(dst[l*len(block):(l+1)*len(block)], block)
}
