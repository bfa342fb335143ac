package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"loopdrop/models"
)

const (
	// DefaultChunkSize is the payload streaming buffer size.
	DefaultChunkSize = 8192
	// MaxStringLength is the largest string a 2-byte length prefix can carry.
	MaxStringLength = 0xFFFF
	// DefaultAcceptTimeout bounds each accept wait so loops can observe shutdown.
	DefaultAcceptTimeout = 5 * time.Second
	// DefaultReadTimeout bounds each frame or payload read on the receiver.
	DefaultReadTimeout = 30 * time.Second
)

// WriteString writes a 2-byte big-endian length followed by UTF-8 bytes.
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLength {
		return ErrStringTooLong
	}

	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(s)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write string length: %w", err)
	}
	if len(s) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("write string bytes: %w", err)
	}
	return nil
}

// ReadString reads a string written by WriteString.
func ReadString(r io.Reader) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}

	length := binary.BigEndian.Uint16(header)
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, int(length))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read string bytes: %w", err)
	}
	return string(buf), nil
}

// WriteRequest writes the transfer frame: file name, file size (int64) and
// channel id (int32). The payload follows unframed.
func WriteRequest(w io.Writer, req models.TransferRequest) error {
	if req.FileSize < 0 {
		return ErrInvalidFileSize
	}
	if err := WriteString(w, req.FileName); err != nil {
		return fmt.Errorf("write file name: %w", err)
	}

	fixed := make([]byte, 12)
	binary.BigEndian.PutUint64(fixed[0:8], uint64(req.FileSize))
	binary.BigEndian.PutUint32(fixed[8:12], uint32(req.Channel))
	if _, err := w.Write(fixed); err != nil {
		return fmt.Errorf("write size and channel: %w", err)
	}
	return nil
}

// ReadRequest reads a frame written by WriteRequest. Timestamp is set locally
// since it does not travel on the wire.
func ReadRequest(r io.Reader) (models.TransferRequest, error) {
	name, err := ReadString(r)
	if err != nil {
		return models.TransferRequest{}, fmt.Errorf("read file name: %w", err)
	}

	fixed := make([]byte, 12)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return models.TransferRequest{}, fmt.Errorf("read size and channel: %w", err)
	}

	req := models.TransferRequest{
		FileName:  name,
		FileSize:  int64(binary.BigEndian.Uint64(fixed[0:8])),
		Channel:   int32(binary.BigEndian.Uint32(fixed[8:12])),
		Timestamp: time.Now().UnixMilli(),
	}
	if req.FileSize < 0 {
		return req, ErrInvalidFileSize
	}
	return req, nil
}

// WriteResponse writes the acknowledgement: one boolean byte and a message.
func WriteResponse(w io.Writer, resp models.TransferResponse) error {
	flag := []byte{0}
	if resp.Success {
		flag[0] = 1
	}
	if _, err := w.Write(flag); err != nil {
		return fmt.Errorf("write ack flag: %w", err)
	}
	if err := WriteString(w, truncateUTF8(resp.Message, MaxStringLength)); err != nil {
		return fmt.Errorf("write ack message: %w", err)
	}
	return nil
}

// ReadResponse reads an acknowledgement. Any non-zero flag byte means success.
func ReadResponse(r io.Reader) (models.TransferResponse, error) {
	flag := make([]byte, 1)
	if _, err := io.ReadFull(r, flag); err != nil {
		return models.TransferResponse{}, fmt.Errorf("read ack flag: %w", err)
	}
	message, err := ReadString(r)
	if err != nil {
		return models.TransferResponse{}, fmt.Errorf("read ack message: %w", err)
	}
	return models.TransferResponse{
		Success:   flag[0] != 0,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ValidateFileName accepts only a plain base name: non-empty, valid UTF-8, no
// path separators, not "." or "..", and short enough for the frame.
func ValidateFileName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidFileName
	}
	if !utf8.ValidString(name) {
		return ErrInvalidFileName
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return ErrInvalidFileName
	}
	if len(name) > MaxStringLength {
		return ErrStringTooLong
	}
	return nil
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
