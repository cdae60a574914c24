package utils

// utilsError is a simple error type for the utils package
type utilsError string

func (e utilsError) Error() string { return string(e) }

// Errors for image I/O
const (
	ErrDecode       = utilsError("cannot decode image")
	ErrEncode       = utilsError("cannot encode image")
	ErrEmptyPalette = utilsError("empty palette")
)
