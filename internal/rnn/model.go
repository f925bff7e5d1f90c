// Package rnn implements the character model: a stack of LSTM or GRU layers
// followed by dropout and a linear projection to vocabulary logits.
//
// Hidden state is never held by the model. Callers obtain a State from
// ResetHidden or SetMode, pass it to Forward or Train, and receive the
// end-of-window State in the returned Pass. The returned state carries values
// only, so gradients never cross window boundaries (truncated BPTT).
package rnn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	// ErrUnknownKind is returned for an unsupported cell variant name.
	ErrUnknownKind = errors.New("unknown model kind")
	// ErrInvalidConfig is returned for an unusable model configuration.
	ErrInvalidConfig = errors.New("invalid model config")
	// ErrShapeMismatch is returned when an input or state does not match the
	// model or each other.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Config holds the model dimensions.
type Config struct {
	Input   int     // one-hot width, usually the vocabulary size
	Output  int     // logits width, usually the vocabulary size
	Hidden  int     // units per recurrent layer
	Layers  int     // stacked recurrent layers
	Batch   int     // training batch size
	Dropout float64 // output dropout, and inter-layer dropout when Layers > 1
}

func (c Config) validate() error {
	switch {
	case c.Input <= 0 || c.Output <= 0:
		return fmt.Errorf("%w: input=%d output=%d", ErrInvalidConfig, c.Input, c.Output)
	case c.Hidden <= 0:
		return fmt.Errorf("%w: hidden=%d", ErrInvalidConfig, c.Hidden)
	case c.Layers <= 0:
		return fmt.Errorf("%w: layers=%d", ErrInvalidConfig, c.Layers)
	case c.Batch <= 0:
		return fmt.Errorf("%w: batch=%d", ErrInvalidConfig, c.Batch)
	case c.Dropout < 0 || c.Dropout >= 1 || math.IsNaN(c.Dropout):
		return fmt.Errorf("%w: dropout=%v", ErrInvalidConfig, c.Dropout)
	}
	return nil
}

// Context is the computation context a model is built against.
type Context struct {
	// Rand drives weight initialisation and the dropout masks of every
	// training pass.
	Rand *rand.Rand
}

// Param is a named trainable tensor. Value is updated in place by solvers
// and checkpoint restores; graphs bind it directly.
type Param struct {
	Name  string
	Value *tensor.Dense
}

// Pass is the result of one run over a window.
type Pass struct {
	// Logits is (batch, steps, output).
	Logits *tensor.Dense
	// State is the detached end-of-window hidden state.
	State State
	// Loss is the final-timestep cross-entropy; zero for inference passes.
	Loss float64

	grads gorgonia.Nodes
}

// Last returns the logits of the final timestep for batch row b.
func (p *Pass) Last(b int) []float64 {
	shp := p.Logits.Shape()
	steps, out := shp[1], shp[2]
	data := p.Logits.Data().([]float64)
	start := (b*steps + steps - 1) * out
	return append([]float64(nil), data[start:start+out]...)
}

// ValueGrads returns the parameters with their gradients for a solver step.
// Valid only until the next pass of the same shape.
func (p *Pass) ValueGrads() []gorgonia.ValueGrad {
	return gorgonia.NodesToValueGrads(p.grads)
}

// Model is the interface shared by both cell variants.
type Model interface {
	Kind() Kind
	Config() Config
	// Forward runs inference over x (batch, steps, input) starting from st.
	Forward(st State, x *tensor.Dense) (*Pass, error)
	// Train runs a training pass: dropout is active, the loss is computed on
	// the final timestep against targets, and gradients are populated.
	Train(st State, x *tensor.Dense, targets []int) (*Pass, error)
	// ResetHidden returns a zeroed state for batch.
	ResetHidden(batch int) State
	// SetMode returns a zeroed state sized for the mode.
	SetMode(m Mode) State
	// LayerDropout is the dropout applied between recurrent layers.
	LayerDropout() float64
	Params() []*Param
	Close() error
}

// New builds a model of the given kind.
func New(ctx Context, kind Kind, cfg Config) (*Network, error) {
	switch kind {
	case LSTM:
		return NewLSTM(ctx, cfg)
	case GRU:
		return NewGRU(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
}

// NewLSTM builds a model with memory-cell layers.
func NewLSTM(ctx Context, cfg Config) (*Network, error) {
	return newNetwork(ctx, LSTM, lstmCell{}, cfg)
}

// NewGRU builds a model with gated layers without memory cell.
func NewGRU(ctx Context, cfg Config) (*Network, error) {
	return newNetwork(ctx, GRU, gruCell{}, cfg)
}

// Network implements Model on top of gorgonia graphs, one per
// (batch, steps, train) shape, all bound to the same parameter tensors.
type Network struct {
	kind   Kind
	cfg    Config
	cell   cell
	rng    *rand.Rand
	params []*Param
	graphs map[graphKey]*graph
}

var _ Model = (*Network)(nil)

func newNetwork(ctx Context, kind Kind, c cell, cfg Config) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if ctx.Rand == nil {
		return nil, fmt.Errorf("%w: nil random source", ErrInvalidConfig)
	}
	n := &Network{
		kind:   kind,
		cfg:    cfg,
		cell:   c,
		rng:    ctx.Rand,
		graphs: make(map[graphKey]*graph),
	}
	bound := 1 / math.Sqrt(float64(cfg.Hidden))
	for l := 0; l < cfg.Layers; l++ {
		in := cfg.Input
		if l > 0 {
			in = cfg.Hidden
		}
		for _, gate := range c.gates() {
			n.params = append(n.params,
				uniformParam(ctx.Rand, paramName(l, gate, "wx"), bound, in, cfg.Hidden),
				uniformParam(ctx.Rand, paramName(l, gate, "wh"), bound, cfg.Hidden, cfg.Hidden),
				uniformParam(ctx.Rand, paramName(l, gate, "b"), bound, 1, cfg.Hidden),
			)
		}
	}
	n.params = append(n.params,
		uniformParam(ctx.Rand, "out.w", bound, cfg.Hidden, cfg.Output),
		uniformParam(ctx.Rand, "out.b", bound, 1, cfg.Output),
	)
	return n, nil
}

func paramName(layer int, gate, part string) string {
	return fmt.Sprintf("l%d.%s.%s", layer, gate, part)
}

func uniformParam(r *rand.Rand, name string, bound float64, rows, cols int) *Param {
	backing := make([]float64, rows*cols)
	for i := range backing {
		backing[i] = (r.Float64()*2 - 1) * bound
	}
	return &Param{Name: name, Value: tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))}
}

func (n *Network) Kind() Kind       { return n.kind }
func (n *Network) Config() Config   { return n.cfg }
func (n *Network) Params() []*Param { return n.params }

// LayerDropout is forced to zero for a single layer: there is no layer
// boundary to drop across.
func (n *Network) LayerDropout() float64 {
	if n.cfg.Layers > 1 {
		return n.cfg.Dropout
	}
	return 0
}

func (n *Network) ResetHidden(batch int) State {
	return zeroState(n.cell.stateTensors(), n.cfg.Layers, batch, n.cfg.Hidden)
}

func (n *Network) SetMode(m Mode) State {
	if m == ModeGenerate {
		return n.ResetHidden(1)
	}
	return n.ResetHidden(n.cfg.Batch)
}

func (n *Network) Forward(st State, x *tensor.Dense) (*Pass, error) {
	return n.run(st, x, nil, false)
}

func (n *Network) Train(st State, x *tensor.Dense, targets []int) (*Pass, error) {
	return n.run(st, x, targets, true)
}

// Close releases every cached machine.
func (n *Network) Close() error {
	var first error
	for k, g := range n.graphs {
		if err := g.vm.Close(); err != nil && first == nil {
			first = err
		}
		delete(n.graphs, k)
	}
	return first
}

// check validates x against the model and st, returning batch and steps.
func (n *Network) check(st State, x *tensor.Dense) (int, int, error) {
	if x == nil {
		return 0, 0, fmt.Errorf("%w: nil input", ErrShapeMismatch)
	}
	shp := x.Shape()
	if len(shp) != 3 {
		return 0, 0, fmt.Errorf("%w: input shape %v, want (batch, steps, %d)", ErrShapeMismatch, shp, n.cfg.Input)
	}
	if x.Dtype() != tensor.Float64 {
		return 0, 0, fmt.Errorf("%w: input dtype %v", ErrShapeMismatch, x.Dtype())
	}
	batch, steps, width := shp[0], shp[1], shp[2]
	if width != n.cfg.Input || steps == 0 {
		return 0, 0, fmt.Errorf("%w: input shape %v, want (batch, steps, %d)", ErrShapeMismatch, shp, n.cfg.Input)
	}
	if len(st.Tensors) != n.cell.stateTensors() {
		return 0, 0, fmt.Errorf("%w: %d state tensors, %v needs %d", ErrShapeMismatch, len(st.Tensors), n.kind, n.cell.stateTensors())
	}
	for _, t := range st.Tensors {
		s := t.Shape()
		if len(s) != 3 || s[0] != n.cfg.Layers || s[1] != batch || s[2] != n.cfg.Hidden {
			return 0, 0, fmt.Errorf("%w: state %v for input batch %d, want (%d, %d, %d)",
				ErrShapeMismatch, s, batch, n.cfg.Layers, batch, n.cfg.Hidden)
		}
	}
	return batch, steps, nil
}

func (n *Network) run(st State, x *tensor.Dense, targets []int, train bool) (*Pass, error) {
	batch, steps, err := n.check(st, x)
	if err != nil {
		return nil, err
	}
	var target *tensor.Dense
	if train {
		if target, err = n.targetOneHot(batch, targets); err != nil {
			return nil, err
		}
	}

	gr, err := n.graph(graphKey{batch: batch, steps: steps, train: train})
	if err != nil {
		return nil, err
	}
	gr.vm.Reset()

	for i, p := range n.params {
		if err := gorgonia.Let(gr.learn[i], p.Value); err != nil {
			return nil, fmt.Errorf("binding %s: %w", p.Name, err)
		}
	}
	for t := 0; t < steps; t++ {
		if err := gorgonia.Let(gr.inputs[t], timestep(x, t)); err != nil {
			return nil, fmt.Errorf("binding input %d: %w", t, err)
		}
	}
	for k := range gr.hidden {
		for l := range gr.hidden[k] {
			if err := gorgonia.Let(gr.hidden[k][l], st.layer(k, l)); err != nil {
				return nil, fmt.Errorf("binding state %d layer %d: %w", k, l, err)
			}
		}
	}
	if train {
		if err := gorgonia.Let(gr.target, target); err != nil {
			return nil, fmt.Errorf("binding target: %w", err)
		}
		for _, m := range gr.masks {
			if err := gorgonia.Let(m.node, n.sampleMask(m.node.Shape(), m.p)); err != nil {
				return nil, fmt.Errorf("binding %s: %w", m.node.Name(), err)
			}
		}
		// the machine adds into bound gradients
		clearGrads(gr.learn)
	}

	if err := gr.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("run %v batch=%d steps=%d: %w", n.kind, batch, steps, err)
	}

	pass := &Pass{
		Logits: gatherLogits(gr.logits, batch, steps, n.cfg.Output),
		State:  n.ResetHidden(batch),
	}
	for k := range gr.final {
		for l, node := range gr.final[k] {
			pass.State.setLayer(k, l, node.Value().Data().([]float64))
		}
	}
	if train {
		loss, ok := gr.loss.Value().Data().(float64)
		if !ok {
			return nil, fmt.Errorf("loss has unexpected type %T", gr.loss.Value().Data())
		}
		pass.Loss = loss
		pass.grads = gr.learn
	}
	return pass, nil
}

// sampleMask draws an inverted-dropout mask: each entry is 0 with
// probability p and 1/(1-p) otherwise.
func (n *Network) sampleMask(shape tensor.Shape, p float64) *tensor.Dense {
	backing := make([]float64, shape.TotalSize())
	keep := 1 / (1 - p)
	for i := range backing {
		if n.rng.Float64() >= p {
			backing[i] = keep
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

func clearGrads(nodes gorgonia.Nodes) {
	for _, node := range nodes {
		g, err := node.Grad()
		if err != nil {
			continue
		}
		if t, ok := g.(tensor.Tensor); ok {
			t.Zero()
		}
	}
}

func (n *Network) targetOneHot(batch int, targets []int) (*tensor.Dense, error) {
	if len(targets) != batch {
		return nil, fmt.Errorf("%w: %d targets for batch %d", ErrShapeMismatch, len(targets), batch)
	}
	backing := make([]float64, batch*n.cfg.Output)
	for b, id := range targets {
		if id < 0 || id >= n.cfg.Output {
			return nil, fmt.Errorf("%w: target %d outside %d classes", ErrShapeMismatch, id, n.cfg.Output)
		}
		backing[b*n.cfg.Output+id] = 1
	}
	return tensor.New(tensor.WithShape(batch, n.cfg.Output), tensor.WithBacking(backing)), nil
}

// timestep copies the (batch, input) slice at step t out of x.
func timestep(x *tensor.Dense, t int) *tensor.Dense {
	shp := x.Shape()
	batch, steps, width := shp[0], shp[1], shp[2]
	src := x.Data().([]float64)
	backing := make([]float64, batch*width)
	for b := 0; b < batch; b++ {
		copy(backing[b*width:(b+1)*width], src[(b*steps+t)*width:(b*steps+t+1)*width])
	}
	return tensor.New(tensor.WithShape(batch, width), tensor.WithBacking(backing))
}

func gatherLogits(nodes []*gorgonia.Node, batch, steps, width int) *tensor.Dense {
	backing := make([]float64, batch*steps*width)
	for t, node := range nodes {
		src := node.Value().Data().([]float64)
		for b := 0; b < batch; b++ {
			copy(backing[(b*steps+t)*width:(b*steps+t+1)*width], src[b*width:(b+1)*width])
		}
	}
	return tensor.New(tensor.WithShape(batch, steps, width), tensor.WithBacking(backing))
}
