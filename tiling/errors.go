package tiling

// tilingError is a simple error type for the tiling package
type tilingError string

func (e tilingError) Error() string { return string(e) }

// Errors for tile layout and assembly
const (
	ErrInvalidLayout    = tilingError("invalid tile layout")
	ErrGeometryMismatch = tilingError("tile geometry mismatch")
)
