package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"loopdrop/models"
	"loopdrop/storage"
)

// ChannelDialer is the part of the channel registry the client needs.
type ChannelDialer interface {
	ChannelForFolder(folderName string) int
	ResolvePort(channel int) (int, error)
	Dial(ctx context.Context, channel int) (net.Conn, error)
	Release(conn net.Conn) error
}

// Recorder persists the outcome of a transfer attempt.
type Recorder interface {
	RecordTransfer(record storage.TransferRecord) error
}

// ClientOptions configures outbound transfers.
type ClientOptions struct {
	ChunkSize  int
	AckTimeout time.Duration
	Recorder   Recorder
	Logger     *slog.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Client sends one file per call to the receiver listening on the file's
// channel. It never retries; the caller decides whether to try again.
type Client struct {
	dialer ChannelDialer
	opts   ClientOptions
}

// NewClient builds a client over a channel dialer.
func NewClient(dialer ChannelDialer, options ClientOptions) *Client {
	return &Client{
		dialer: dialer,
		opts:   options.withDefaults(),
	}
}

// Send transfers the file at path on the channel assigned to folderName.
func (c *Client) Send(ctx context.Context, path, folderName string) error {
	_, err := c.SendFile(ctx, path, folderName)
	return err
}

// SendFile is Send but also returns the receiver's acknowledgement. A failure
// ack is reported as a *TransferIOError wrapping ErrTransferRejected.
func (c *Client) SendFile(ctx context.Context, path, folderName string) (models.TransferResponse, error) {
	channel := c.dialer.ChannelForFolder(folderName)
	port, err := c.dialer.ResolvePort(channel)
	if err != nil {
		return models.TransferResponse{}, err
	}

	fileName := filepath.Base(path)
	record := storage.TransferRecord{
		Direction:  storage.DirectionSend,
		Channel:    channel,
		Port:       port,
		FileName:   fileName,
		Path:       path,
		FolderName: folderName,
	}

	resp, size, err := c.send(ctx, path, fileName, channel, port)
	record.FileSize = size
	if err != nil {
		record.Status = storage.StatusFailed
		record.Message = err.Error()
		c.record(record)
		return resp, err
	}

	record.Status = storage.StatusComplete
	record.Message = resp.Message
	c.record(record)
	c.opts.Logger.Info("file sent",
		"file", fileName,
		"bytes", size,
		"channel", channel,
		"port", port,
		"stored_at", resp.Message,
	)
	return resp, nil
}

func (c *Client) send(ctx context.Context, path, fileName string, channel, port int) (models.TransferResponse, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return models.TransferResponse{}, 0, &TransferIOError{Op: "open", FileName: fileName, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return models.TransferResponse{}, 0, &TransferIOError{Op: "stat", FileName: fileName, Err: err}
	}
	if !info.Mode().IsRegular() {
		return models.TransferResponse{}, 0, &TransferIOError{Op: "open", FileName: fileName, Err: errors.New("not a regular file")}
	}
	size := info.Size()

	conn, err := c.dialer.Dial(ctx, channel)
	if err != nil {
		return models.TransferResponse{}, size, &ConnectError{Port: port, Err: err}
	}
	defer func() {
		_ = c.dialer.Release(conn)
	}()

	// Closing the conn is the only way to interrupt a blocked write or read.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	writer := bufio.NewWriterSize(conn, c.opts.ChunkSize)
	request := models.TransferRequest{
		FileName:  fileName,
		FileSize:  size,
		Channel:   int32(channel),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := WriteRequest(writer, request); err != nil {
		return models.TransferResponse{}, size, &TransferIOError{Op: "write frame", FileName: fileName, Err: err}
	}
	if err := writer.Flush(); err != nil {
		return models.TransferResponse{}, size, &TransferIOError{Op: "write frame", FileName: fileName, Err: err}
	}

	if err := c.streamPayload(writer, file, size); err != nil {
		return models.TransferResponse{}, size, &TransferIOError{Op: "stream payload", FileName: fileName, Err: err}
	}
	if err := writer.Flush(); err != nil {
		return models.TransferResponse{}, size, &TransferIOError{Op: "stream payload", FileName: fileName, Err: err}
	}

	if c.opts.AckTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.AckTimeout)); err != nil {
			return models.TransferResponse{}, size, &TransferIOError{Op: "read ack", FileName: fileName, Err: err}
		}
	}
	resp, err := ReadResponse(conn)
	if err != nil {
		return models.TransferResponse{}, size, &TransferIOError{Op: "read ack", FileName: fileName, Err: err}
	}
	resp.FileName = fileName
	if !resp.Success {
		return resp, size, &TransferIOError{
			Op:       "transfer",
			FileName: fileName,
			Err:      fmt.Errorf("%w: %s", ErrTransferRejected, resp.Message),
		}
	}
	return resp, size, nil
}

// streamPayload writes exactly size bytes from file in chunk-sized pieces. A
// file that shrinks after stat is an error since the frame already promised
// size bytes.
func (c *Client) streamPayload(w io.Writer, file io.Reader, size int64) error {
	buf := make([]byte, c.opts.ChunkSize)
	remaining := size
	source := io.LimitReader(file, size)
	for remaining > 0 {
		n, err := source.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			remaining -= int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
	}
	if remaining > 0 {
		return fmt.Errorf("%w: source ended %d bytes early", ErrShortPayload, remaining)
	}
	return nil
}

func (c *Client) record(record storage.TransferRecord) {
	if c.opts.Recorder == nil {
		return
	}
	if err := c.opts.Recorder.RecordTransfer(record); err != nil {
		c.opts.Logger.Warn("record sent transfer failed", "file", record.FileName, "error", err)
	}
}
