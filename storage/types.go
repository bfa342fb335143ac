package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionSend marks a transfer attempted by a local watcher.
	DirectionSend = "send"
	// DirectionReceive marks a transfer handled by the local receiver.
	DirectionReceive = "receive"
)

const (
	// StatusComplete means the receiver acknowledged success.
	StatusComplete = "complete"
	// StatusFailed means the attempt ended in an error or a failure ack.
	StatusFailed = "failed"
)

// TransferRecord is one send or receive attempt in the history ledger.
type TransferRecord struct {
	TransferID string
	Direction  string
	Channel    int
	Port       int
	FileName   string
	FileSize   int64
	Path       string
	FolderName string
	Status     string
	Message    string
	Timestamp  int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	Direction     string
	Status        string
	Channel       *int
	FromTimestamp *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateStatus(status string) error {
	switch status {
	case StatusComplete, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
