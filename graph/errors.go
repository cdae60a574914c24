package graph

// graphError is a simple error type for the graph package
type graphError string

func (e graphError) Error() string { return string(e) }

// Errors for graph construction and evaluation
const (
	ErrUnknownNode       = graphError("unknown graph node")
	ErrUnboundVariable   = graphError("unbound graph variable")
	ErrDuplicateVariable = graphError("duplicate graph variable")
	ErrNotScalar         = graphError("graph output is not a scalar")
	ErrShapeMismatch     = graphError("graph operand shape mismatch")
)
