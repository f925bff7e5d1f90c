package rnn

import (
	"fmt"

	"gorgonia.org/gorgonia"
)

// cell is the per-timestep math of one recurrent variant.
type cell interface {
	// gates names the parameter groups of one layer, in parameter order.
	gates() []string
	// stateTensors is 2 for LSTM (h, c) and 1 for GRU (h).
	stateTensors() int
	// step maps input x and the previous state of one layer to its next
	// state. next[0] is always the layer output h.
	step(w layer, x *gorgonia.Node, prev []*gorgonia.Node) ([]*gorgonia.Node, error)
}

// layer holds the graph nodes of one recurrent layer, keyed by gate.
type layer struct {
	wx, wh, b map[string]*gorgonia.Node
}

// input is x·Wx + b for a gate.
func (w layer) input(gate string, x *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, w.wx[gate])
	if err != nil {
		return nil, fmt.Errorf("gate %s: %w", gate, err)
	}
	return gorgonia.BroadcastAdd(xw, w.b[gate], nil, []byte{0})
}

// recurrent is h·Wh for a gate.
func (w layer) recurrent(gate string, h *gorgonia.Node) (*gorgonia.Node, error) {
	hw, err := gorgonia.Mul(h, w.wh[gate])
	if err != nil {
		return nil, fmt.Errorf("gate %s: %w", gate, err)
	}
	return hw, nil
}

// activate computes fn(x·Wx + h·Wh + b).
func (w layer) activate(gate string, x, h *gorgonia.Node, fn func(*gorgonia.Node) (*gorgonia.Node, error)) (*gorgonia.Node, error) {
	in, err := w.input(gate, x)
	if err != nil {
		return nil, err
	}
	rec, err := w.recurrent(gate, h)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Add(in, rec)
	if err != nil {
		return nil, err
	}
	return fn(sum)
}

type lstmCell struct{}

func (lstmCell) gates() []string   { return []string{"i", "f", "g", "o"} }
func (lstmCell) stateTensors() int { return 2 }

func (lstmCell) step(w layer, x *gorgonia.Node, prev []*gorgonia.Node) ([]*gorgonia.Node, error) {
	h, c := prev[0], prev[1]
	i, err := w.activate("i", x, h, gorgonia.Sigmoid)
	if err != nil {
		return nil, err
	}
	f, err := w.activate("f", x, h, gorgonia.Sigmoid)
	if err != nil {
		return nil, err
	}
	g, err := w.activate("g", x, h, gorgonia.Tanh)
	if err != nil {
		return nil, err
	}
	o, err := w.activate("o", x, h, gorgonia.Sigmoid)
	if err != nil {
		return nil, err
	}

	// c' = f*c + i*g
	kept, err := gorgonia.HadamardProd(f, c)
	if err != nil {
		return nil, err
	}
	written, err := gorgonia.HadamardProd(i, g)
	if err != nil {
		return nil, err
	}
	cNext, err := gorgonia.Add(kept, written)
	if err != nil {
		return nil, err
	}

	// h' = o*tanh(c')
	squashed, err := gorgonia.Tanh(cNext)
	if err != nil {
		return nil, err
	}
	hNext, err := gorgonia.HadamardProd(o, squashed)
	if err != nil {
		return nil, err
	}
	return []*gorgonia.Node{hNext, cNext}, nil
}

type gruCell struct{}

func (gruCell) gates() []string   { return []string{"r", "z", "n"} }
func (gruCell) stateTensors() int { return 1 }

func (gruCell) step(w layer, x *gorgonia.Node, prev []*gorgonia.Node) ([]*gorgonia.Node, error) {
	h := prev[0]
	r, err := w.activate("r", x, h, gorgonia.Sigmoid)
	if err != nil {
		return nil, err
	}
	z, err := w.activate("z", x, h, gorgonia.Sigmoid)
	if err != nil {
		return nil, err
	}

	// n = tanh(x·Wn + b + r*(h·Un))
	in, err := w.input("n", x)
	if err != nil {
		return nil, err
	}
	rec, err := w.recurrent("n", h)
	if err != nil {
		return nil, err
	}
	reset, err := gorgonia.HadamardProd(r, rec)
	if err != nil {
		return nil, err
	}
	pre, err := gorgonia.Add(in, reset)
	if err != nil {
		return nil, err
	}
	cand, err := gorgonia.Tanh(pre)
	if err != nil {
		return nil, err
	}

	// h' = (1-z)*n + z*h, written as n + z*(h-n)
	diff, err := gorgonia.Sub(h, cand)
	if err != nil {
		return nil, err
	}
	carry, err := gorgonia.HadamardProd(z, diff)
	if err != nil {
		return nil, err
	}
	hNext, err := gorgonia.Add(cand, carry)
	if err != nil {
		return nil, err
	}
	return []*gorgonia.Node{hNext}, nil
}
