package rnn

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type graphKey struct {
	batch, steps int
	train        bool
}

// graph is one unrolled computation over a window of fixed shape.
type graph struct {
	g  *gorgonia.ExprGraph
	vm gorgonia.VM

	learn  gorgonia.Nodes     // same order as Network.params
	inputs []*gorgonia.Node   // per step, (batch, input)
	hidden [][]*gorgonia.Node // [tensor][layer], (batch, hidden)
	final  [][]*gorgonia.Node // end-of-window state, same layout as hidden
	logits []*gorgonia.Node   // per step, (batch, output)
	masks  []dropMask         // train only
	target *gorgonia.Node     // train only, one-hot (batch, output)
	loss   *gorgonia.Node     // train only, scalar
}

// dropMask is an inverted-dropout mask input. Its values are drawn from the
// network's random source before every training run.
type dropMask struct {
	node *gorgonia.Node
	p    float64
}

func (n *Network) graph(key graphKey) (*graph, error) {
	if gr, ok := n.graphs[key]; ok {
		return gr, nil
	}
	gr, err := n.build(key)
	if err != nil {
		return nil, fmt.Errorf("building %v graph batch=%d steps=%d: %w", n.kind, key.batch, key.steps, err)
	}
	n.graphs[key] = gr
	return gr, nil
}

func (n *Network) build(key graphKey) (*graph, error) {
	g := gorgonia.NewGraph()
	gr := &graph{g: g}

	named := make(map[string]*gorgonia.Node, len(n.params))
	for _, p := range n.params {
		node := gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(p.Value.Shape()...),
			gorgonia.WithName(p.Name),
			gorgonia.WithValue(p.Value),
		)
		gr.learn = append(gr.learn, node)
		named[p.Name] = node
	}

	layers := make([]layer, n.cfg.Layers)
	for l := range layers {
		layers[l] = layer{
			wx: make(map[string]*gorgonia.Node),
			wh: make(map[string]*gorgonia.Node),
			b:  make(map[string]*gorgonia.Node),
		}
		for _, gate := range n.cell.gates() {
			layers[l].wx[gate] = named[paramName(l, gate, "wx")]
			layers[l].wh[gate] = named[paramName(l, gate, "wh")]
			layers[l].b[gate] = named[paramName(l, gate, "b")]
		}
	}

	count := n.cell.stateTensors()
	gr.hidden = make([][]*gorgonia.Node, count)
	cur := make([][]*gorgonia.Node, count)
	for k := 0; k < count; k++ {
		gr.hidden[k] = make([]*gorgonia.Node, n.cfg.Layers)
		cur[k] = make([]*gorgonia.Node, n.cfg.Layers)
		for l := 0; l < n.cfg.Layers; l++ {
			gr.hidden[k][l] = gorgonia.NewMatrix(g, tensor.Float64,
				gorgonia.WithShape(key.batch, n.cfg.Hidden),
				gorgonia.WithName(fmt.Sprintf("state%d.l%d", k, l)),
			)
			cur[k][l] = gr.hidden[k][l]
		}
	}

	layerDrop := n.LayerDropout()
	for t := 0; t < key.steps; t++ {
		x := gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(key.batch, n.cfg.Input),
			gorgonia.WithName(fmt.Sprintf("x%d", t)),
		)
		gr.inputs = append(gr.inputs, x)

		in := x
		for l := 0; l < n.cfg.Layers; l++ {
			prev := make([]*gorgonia.Node, count)
			for k := range prev {
				prev[k] = cur[k][l]
			}
			next, err := n.cell.step(layers[l], in, prev)
			if err != nil {
				return nil, fmt.Errorf("step %d layer %d: %w", t, l, err)
			}
			for k := range next {
				cur[k][l] = next[k]
			}
			in = next[0]
			if key.train && l < n.cfg.Layers-1 && layerDrop > 0 {
				if in, err = gr.dropout(in, layerDrop, fmt.Sprintf("drop%d.l%d", t, l)); err != nil {
					return nil, err
				}
			}
		}

		out := in
		if key.train && n.cfg.Dropout > 0 {
			var err error
			if out, err = gr.dropout(out, n.cfg.Dropout, fmt.Sprintf("drop%d.out", t)); err != nil {
				return nil, err
			}
		}
		proj, err := gorgonia.Mul(out, named["out.w"])
		if err != nil {
			return nil, err
		}
		logits, err := gorgonia.BroadcastAdd(proj, named["out.b"], nil, []byte{0})
		if err != nil {
			return nil, err
		}
		gr.logits = append(gr.logits, logits)
	}
	gr.final = cur

	if !key.train {
		gr.vm = gorgonia.NewTapeMachine(g)
		return gr, nil
	}

	gr.target = gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(key.batch, n.cfg.Output),
		gorgonia.WithName("target"),
	)
	loss, err := crossEntropy(gr.logits[len(gr.logits)-1], gr.target)
	if err != nil {
		return nil, fmt.Errorf("loss: %w", err)
	}
	gr.loss = loss
	if _, err := gorgonia.Grad(loss, gr.learn...); err != nil {
		return nil, fmt.Errorf("gradients: %w", err)
	}
	gr.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(gr.learn...))
	return gr, nil
}

// dropout multiplies x by a fresh mask input of the same shape.
func (gr *graph) dropout(x *gorgonia.Node, p float64, name string) (*gorgonia.Node, error) {
	mask := gorgonia.NewMatrix(gr.g, tensor.Float64,
		gorgonia.WithShape(x.Shape()...),
		gorgonia.WithName(name),
	)
	gr.masks = append(gr.masks, dropMask{node: mask, p: p})
	return gorgonia.HadamardProd(x, mask)
}

// crossEntropy is the batch mean of logsumexp(logits) - logits[target], with
// the row maximum subtracted before exponentiating.
func crossEntropy(logits, target *gorgonia.Node) (*gorgonia.Node, error) {
	top, err := gorgonia.Max(logits, 1)
	if err != nil {
		return nil, err
	}
	shifted, err := gorgonia.BroadcastSub(logits, top, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	exp, err := gorgonia.Exp(shifted)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Sum(exp, 1)
	if err != nil {
		return nil, err
	}
	logSum, err := gorgonia.Log(sum)
	if err != nil {
		return nil, err
	}
	lse, err := gorgonia.Add(logSum, top)
	if err != nil {
		return nil, err
	}
	picked, err := gorgonia.HadamardProd(target, logits)
	if err != nil {
		return nil, err
	}
	rows, err := gorgonia.Sum(picked, 1)
	if err != nil {
		return nil, err
	}
	nll, err := gorgonia.Sub(lse, rows)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mean(nll)
}
