package optimize

// optimizeError is a simple error type for the optimize package
type optimizeError string

func (e optimizeError) Error() string { return string(e) }

// Errors for optimization runs
const (
	ErrRetriesExhausted = optimizeError("no acceptable step within the retry budget")
	ErrNonFinite        = optimizeError("objective is not finite at the starting point")
	ErrInvalidParams    = optimizeError("invalid parameters")
)
