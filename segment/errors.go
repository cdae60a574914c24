package segment

// segmentError is a simple error type for the segment package
type segmentError string

func (e segmentError) Error() string { return string(e) }

// Errors for segmentation
const (
	ErrInvalidOptions = segmentError("invalid segmentation options")
)
