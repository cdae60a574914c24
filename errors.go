package stylebuilder

// builderError is a simple error type for the stylebuilder package
type builderError string

func (e builderError) Error() string { return string(e) }

// Errors for synthesis runs
const (
	ErrNoStyle        = builderError("no style source")
	ErrNoPhases       = builderError("no phases to run")
	ErrDuplicateStyle = builderError("duplicate style name")
)
