// Package graph is a small reverse-mode expression graph.
//
// Nodes live in a Builder's arena and are addressed by NodeID. A node may be
// read by any number of later nodes; that fan-out is just several edges from
// one producer, and the backward pass accumulates the gradients flowing back
// along each of them. Nodes can only reference earlier nodes, so arena order
// is a topological order and no extra sorting is needed.
package graph

import (
	"context"
	"fmt"

	"github.com/setanarut/stylebuilder/tensor"
)

// NodeID addresses a node of the graph that issued it.
type NodeID int

// None marks an absent optional operand, such as a missing mask.
const None NodeID = -1

type op interface {
	name() string
	forward(in []*tensor.Tensor) (*tensor.Tensor, error)
	// backward returns one gradient per input. Entries whose need flag is
	// false may be nil. Returned tensors must not alias in, out or grad.
	backward(in []*tensor.Tensor, out, grad *tensor.Tensor, need []bool) ([]*tensor.Tensor, error)
}

type node struct {
	op       op
	inputs   []NodeID
	variable string
}

// Bindings supplies the values of variables by name.
type Bindings map[string]*tensor.Tensor

// Builder appends nodes to an arena. The first invalid call is remembered
// and reported by Build; later calls become no-ops returning None.
type Builder struct {
	nodes []node
	vars  map[string]NodeID
	err   error
}

func NewBuilder() *Builder {
	return &Builder{vars: make(map[string]NodeID)}
}

// Len is the number of nodes appended so far.
func (b *Builder) Len() int { return len(b.nodes) }

// Err returns the first construction error.
func (b *Builder) Err() error { return b.err }

func (b *Builder) fail(err error) NodeID {
	if b.err == nil {
		b.err = err
	}
	return None
}

func (b *Builder) add(o op, inputs ...NodeID) NodeID {
	if b.err != nil {
		return None
	}
	for _, in := range inputs {
		if in < 0 || int(in) >= len(b.nodes) {
			return b.fail(fmt.Errorf("%w: %d used by %s", ErrUnknownNode, in, o.name()))
		}
	}
	b.nodes = append(b.nodes, node{op: o, inputs: inputs})
	return NodeID(len(b.nodes) - 1)
}

// Variable declares a named input whose value is bound at evaluation time
// and whose gradient is reported by Gradient.
func (b *Builder) Variable(name string) NodeID {
	if b.err != nil {
		return None
	}
	if _, ok := b.vars[name]; ok {
		return b.fail(fmt.Errorf("%w: %q", ErrDuplicateVariable, name))
	}
	b.nodes = append(b.nodes, node{op: variableOp{}, variable: name})
	id := NodeID(len(b.nodes) - 1)
	b.vars[name] = id
	return id
}

// Lookup returns the node of a declared variable.
func (b *Builder) Lookup(name string) (NodeID, bool) {
	id, ok := b.vars[name]
	return id, ok
}

// Build freezes the arena into an evaluable graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	g := &Graph{nodes: make([]node, len(b.nodes)), vars: make(map[string]NodeID, len(b.vars))}
	copy(g.nodes, b.nodes)
	for k, v := range b.vars {
		g.vars[k] = v
	}
	return g, nil
}

// Graph is an immutable, evaluable arena.
type Graph struct {
	nodes []node
	vars  map[string]NodeID
}

func (g *Graph) Len() int { return len(g.nodes) }

// Evaluation is the result of a forward and backward pass.
type Evaluation struct {
	Value     float64
	Gradients map[string]*tensor.Tensor
}

// reachable marks the nodes out depends on and records, for each of them,
// the index of its last reachable consumer.
func (g *Graph) reachable(out NodeID) ([]bool, []int, error) {
	if out < 0 || int(out) >= len(g.nodes) {
		return nil, nil, fmt.Errorf("%w: output %d", ErrUnknownNode, out)
	}
	reach := make([]bool, out+1)
	lastUse := make([]int, out+1)
	reach[out] = true
	lastUse[out] = int(out)
	for i := int(out); i >= 0; i-- {
		if !reach[i] {
			continue
		}
		for _, in := range g.nodes[i].inputs {
			if !reach[in] {
				reach[in] = true
				lastUse[in] = i
			}
		}
	}
	return reach, lastUse, nil
}

func (g *Graph) forward(ctx context.Context, bind Bindings, out NodeID, release bool) ([]*tensor.Tensor, []bool, error) {
	reach, lastUse, err := g.reachable(out)
	if err != nil {
		return nil, nil, err
	}
	values := make([]*tensor.Tensor, out+1)
	for i := 0; i <= int(out); i++ {
		if !reach[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		n := g.nodes[i]
		if n.variable != "" {
			v, ok := bind[n.variable]
			if !ok || v == nil {
				return nil, nil, fmt.Errorf("%w: %q", ErrUnboundVariable, n.variable)
			}
			values[i] = v
			continue
		}
		in := make([]*tensor.Tensor, len(n.inputs))
		for k, id := range n.inputs {
			in[k] = values[id]
		}
		v, err := n.op.forward(in)
		if err != nil {
			return nil, nil, fmt.Errorf("%s (node %d): %w", n.op.name(), i, err)
		}
		values[i] = v
		if release {
			for _, id := range n.inputs {
				if lastUse[id] == i {
					values[id] = nil
				}
			}
		}
	}
	return values, reach, nil
}

// Forward evaluates out, dropping intermediate buffers after their last use.
func (g *Graph) Forward(ctx context.Context, bind Bindings, out NodeID) (*tensor.Tensor, error) {
	values, _, err := g.forward(ctx, bind, out, true)
	if err != nil {
		return nil, err
	}
	return values[out], nil
}

// Gradient evaluates the scalar out and its gradient with respect to every
// variable it depends on. Buffers are released as soon as the backward pass
// has moved past their producer.
func (g *Graph) Gradient(ctx context.Context, bind Bindings, out NodeID) (*Evaluation, error) {
	values, reach, err := g.forward(ctx, bind, out, false)
	if err != nil {
		return nil, err
	}
	if values[out].Len() != 1 {
		return nil, fmt.Errorf("%w: %s", ErrNotScalar, values[out])
	}

	needs := make([]bool, out+1)
	for i := 0; i <= int(out); i++ {
		if !reach[i] {
			continue
		}
		if g.nodes[i].variable != "" {
			needs[i] = true
			continue
		}
		for _, in := range g.nodes[i].inputs {
			needs[i] = needs[i] || needs[in]
		}
	}

	eval := &Evaluation{Value: values[out].Pix[0], Gradients: make(map[string]*tensor.Tensor)}
	grads := make([]*tensor.Tensor, out+1)
	grads[out] = tensor.Scalar(1)
	for i := int(out); i >= 0; i-- {
		if !reach[i] || !needs[i] {
			values[i] = nil
			continue
		}
		n := g.nodes[i]
		if n.variable != "" {
			gv := grads[i]
			if gv == nil {
				gv = values[i].Zeros()
			}
			eval.Gradients[n.variable] = gv
			values[i], grads[i] = nil, nil
			continue
		}
		if grads[i] == nil {
			values[i] = nil
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in := make([]*tensor.Tensor, len(n.inputs))
		need := make([]bool, len(n.inputs))
		for k, id := range n.inputs {
			in[k] = values[id]
			need[k] = needs[id]
		}
		back, err := n.op.backward(in, values[i], grads[i], need)
		if err != nil {
			return nil, fmt.Errorf("%s backward (node %d): %w", n.op.name(), i, err)
		}
		for k, id := range n.inputs {
			if !need[k] || back[k] == nil {
				continue
			}
			if grads[id] == nil {
				grads[id] = back[k]
				continue
			}
			if err := grads[id].AddScaled(1, back[k]); err != nil {
				return nil, fmt.Errorf("%s backward (node %d): %w", n.op.name(), i, err)
			}
		}
		values[i], grads[i] = nil, nil
	}
	return eval, nil
}
