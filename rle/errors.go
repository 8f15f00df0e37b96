package rle

import (
	"errors"
	"fmt"
)

var (
	ErrCorrupt      = errors.New("rle: corrupt or incomplete escape sequence")
	ErrShortBuffer  = errors.New("rle: destination too small")
	ErrSizeMismatch = errors.New("rle: decoded length differs from the header")
	ErrBadHeader    = errors.New("rle: bad compression header")
	ErrBadFormat    = errors.New("rle: bad pixel format")
)

// CodecError locates a failure in an encoded stream. Offset counts
// symbols of the channel being decoded.
type CodecError struct {
	Op      string
	Channel int
	Offset  int
	Err     error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("rle: %s channel %d at symbol %d: %v", e.Op, e.Channel, e.Offset, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}
