package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a malformed region
type ErrorKind int

const (
	TruncatedStream ErrorKind = iota + 1
	UnknownOpcode
	InvalidSegmentIndex
	InvalidTrieEdge
	InvalidFixupsFormat
	ChainOutOfBounds
)

var (
	ErrTruncatedStream     = errors.New("truncated stream")
	ErrUnknownOpcode       = errors.New("unknown opcode")
	ErrInvalidSegmentIndex = errors.New("invalid segment index")
	ErrInvalidTrieEdge     = errors.New("invalid export trie edge")
	ErrInvalidFixupsFormat = errors.New("invalid chained fixups format")
	ErrChainOutOfBounds    = errors.New("fixup chain out of bounds")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case TruncatedStream:
		return ErrTruncatedStream
	case UnknownOpcode:
		return ErrUnknownOpcode
	case InvalidSegmentIndex:
		return ErrInvalidSegmentIndex
	case InvalidTrieEdge:
		return ErrInvalidTrieEdge
	case InvalidFixupsFormat:
		return ErrInvalidFixupsFormat
	case ChainOutOfBounds:
		return ErrChainOutOfBounds
	}
	return nil
}

func (k ErrorKind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("unknown error kind %d", int(k))
}

// DecodeError is returned by the decoders if a region does not have
// the correct format. Offset is the absolute file offset the fault was
// detected at.
type DecodeError struct {
	Kind   ErrorKind
	Offset uint64
	Msg    string
	Val    interface{}
}

// NewDecodeError returns a *DecodeError of the given kind
func NewDecodeError(kind ErrorKind, off uint64, msg string, val interface{}) *DecodeError {
	return &DecodeError{Kind: kind, Offset: off, Msg: msg, Val: val}
}

func (e *DecodeError) Error() string {
	msg := e.Kind.String()
	if len(e.Msg) > 0 {
		msg += ": " + e.Msg
	}
	if e.Val != nil {
		msg += fmt.Sprintf(" '%v'", e.Val)
	}
	msg += fmt.Sprintf(" at file offset %#x", e.Offset)
	return msg
}

// Is matches the sentinel error of the kind
func (e *DecodeError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// At moves a *DecodeError to the file offset off, other errors are returned as is
func At(err error, off uint64) error {
	var de *DecodeError
	if errors.As(err, &de) {
		de.Offset = off
	}
	return err
}
