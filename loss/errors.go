package loss

// lossError is a simple error type for the loss package
type lossError string

func (e lossError) Error() string { return string(e) }

// Errors for loss composition
const (
	ErrEmptyLoss = lossError("no loss terms with non-zero weight")
)
