package tensor

// tensorError is a simple error type for the tensor package
type tensorError string

func (e tensorError) Error() string { return string(e) }

// Errors for tensor operations
const (
	ErrInvalidInput  = tensorError("invalid input tensor")
	ErrShapeMismatch = tensorError("tensor shape mismatch")
)
