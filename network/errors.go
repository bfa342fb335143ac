package network

import (
	"errors"
	"fmt"
)

var (
	// ErrTransferRejected indicates the receiver answered with a failure ack.
	ErrTransferRejected = errors.New("network: transfer rejected by receiver")
	// ErrInvalidFileName indicates a frame carried an unsafe or empty file name.
	ErrInvalidFileName = errors.New("network: invalid file name")
	// ErrStringTooLong indicates a string does not fit a 2-byte length prefix.
	ErrStringTooLong = errors.New("network: string exceeds 65535 bytes")
	// ErrShortPayload indicates fewer payload bytes arrived than the frame declared.
	ErrShortPayload = errors.New("network: payload shorter than declared size")
	// ErrInvalidFileSize indicates a negative declared size.
	ErrInvalidFileSize = errors.New("network: invalid file size")
)

// ConnectError reports that the receiver port could not be reached. The file
// stays eligible for a later attempt.
type ConnectError struct {
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to port %d: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TransferIOError reports a failure while writing the frame, streaming the
// payload or reading the acknowledgement.
type TransferIOError struct {
	Op       string
	FileName string
	Err      error
}

func (e *TransferIOError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.FileName, e.Err)
}

func (e *TransferIOError) Unwrap() error {
	return e.Err
}
