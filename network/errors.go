package network

// networkError is a simple error type for the network package
type networkError string

func (e networkError) Error() string { return string(e) }

// Errors for feature networks
const (
	ErrUnknownLayer  = networkError("unknown layer")
	ErrInvalidConfig = networkError("invalid network config")
	ErrLoad          = networkError("failed to load network")
)
