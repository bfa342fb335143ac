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
	"sync"
	"time"

	"loopdrop/models"
	"loopdrop/storage"
)

// ChannelRegistry is the part of the channel registry the server needs.
type ChannelRegistry interface {
	BindAll(ports []int) error
	EnabledPorts() []int
	Listener(port int) (net.Listener, bool)
	ResolvePort(channel int) (int, error)
	ResolveChannel(port int) (int, error)
	DestinationDir(receivedRoot string, channel int) string
}

// ServerOptions configures the receiving side.
type ServerOptions struct {
	ReceivedRoot  string
	AcceptTimeout time.Duration
	ReadTimeout   time.Duration
	ChunkSize     int
	Recorder      Recorder
	Logger        *slog.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.AcceptTimeout <= 0 {
		out.AcceptTimeout = DefaultAcceptTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Server runs one accept loop per enabled channel port and writes every
// received file into that channel's destination directory.
type Server struct {
	registry ChannelRegistry
	options  ServerOptions

	mu      sync.Mutex
	started bool
	ports   []int
	cancel  context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer builds a server over a channel registry.
func NewServer(registry ChannelRegistry, options ServerOptions) *Server {
	return &Server{
		registry: registry,
		options:  options.withDefaults(),
	}
}

// Start binds every enabled channel port and spawns the accept loops. A bind
// failure is returned as the registry's *BindError and nothing stays bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}
	if s.options.ReceivedRoot == "" {
		return errors.New("received root is required")
	}

	ports := s.registry.EnabledPorts()
	if err := s.registry.BindAll(ports); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ports = ports
	s.started = true

	listeners := make([]net.Listener, 0, len(ports))
	for _, port := range ports {
		ln, ok := s.registry.Listener(port)
		if !ok {
			continue
		}
		listeners = append(listeners, ln)
		s.wg.Add(1)
		go s.acceptLoop(runCtx, port, ln)
	}

	// Cancellation closes listeners right away instead of waiting out an
	// accept deadline.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-runCtx.Done()
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}()

	s.options.Logger.Info("receiver started", "ports", ports, "received_root", s.options.ReceivedRoot)
	return nil
}

// Ports returns the ports this server bound.
func (s *Server) Ports() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.ports...)
}

// Stop cancels every accept loop and connection handler and waits for them.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	s.wg.Wait()
}

// Wait blocks until all accept loops and handlers have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

type deadlineListener interface {
	SetDeadline(t time.Time) error
}

func (s *Server) acceptLoop(ctx context.Context, port int, ln net.Listener) {
	defer s.wg.Done()

	deadliner, _ := ln.(deadlineListener)
	for {
		if ctx.Err() != nil {
			return
		}
		if deadliner != nil {
			_ = deadliner.SetDeadline(time.Now().Add(s.options.AcceptTimeout))
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.options.Logger.Warn("accept failed", "port", port, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConn(ctx, port, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, port int, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	reader := bufio.NewReaderSize(conn, s.options.ChunkSize)
	record := storage.TransferRecord{
		Direction: storage.DirectionReceive,
		Port:      port,
	}

	path, req, err := s.receive(port, conn, reader)
	record.Channel = int(req.Channel)
	record.FileName = req.FileName
	record.FileSize = req.FileSize
	record.Path = path

	resp := models.TransferResponse{
		FileName:  req.FileName,
		Timestamp: time.Now().UnixMilli(),
	}
	if err != nil {
		resp.Message = err.Error()
		record.Status = storage.StatusFailed
		record.Message = err.Error()
		s.options.Logger.Warn("receive failed", "port", port, "file", req.FileName, "error", err)
	} else {
		resp.Success = true
		resp.Message = path
		record.Status = storage.StatusComplete
		record.Message = path
		s.options.Logger.Info("file received", "port", port, "channel", req.Channel, "file", req.FileName, "bytes", req.FileSize, "path", path)
	}

	if ackErr := s.writeAck(conn, resp); ackErr != nil {
		s.options.Logger.Warn("write ack failed", "port", port, "file", req.FileName, "error", ackErr)
	}

	if record.FileName != "" {
		s.recordTransfer(record)
	}
}

func (s *Server) receive(port int, conn net.Conn, reader *bufio.Reader) (string, models.TransferRequest, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.options.ReadTimeout)); err != nil {
		return "", models.TransferRequest{}, fmt.Errorf("set read deadline: %w", err)
	}
	req, err := ReadRequest(reader)
	if err != nil {
		return "", req, fmt.Errorf("read frame: %w", err)
	}
	// Rejections before the payload still drain it so the sender is not
	// reset while it reads the ack.
	reject := func(err error) (string, models.TransferRequest, error) {
		s.discardPayload(conn, reader, req.FileSize)
		return "", req, err
	}

	if err := ValidateFileName(req.FileName); err != nil {
		return reject(fmt.Errorf("file name %q: %w", req.FileName, err))
	}

	channel := int(req.Channel)
	if _, err := s.registry.ResolvePort(channel); err != nil {
		return reject(err)
	}
	if portChannel, err := s.registry.ResolveChannel(port); err == nil && portChannel != channel {
		s.options.Logger.Warn("frame channel differs from listening port; using frame channel",
			"port", port,
			"port_channel", portChannel,
			"frame_channel", channel,
		)
	}

	dir := s.registry.DestinationDir(s.options.ReceivedRoot, channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return reject(fmt.Errorf("create destination directory: %w", err))
	}
	path, err := filepath.Abs(filepath.Join(dir, req.FileName))
	if err != nil {
		return reject(fmt.Errorf("resolve destination path: %w", err))
	}

	// The payload lands in a temp file and replaces path only once complete.
	file, err := os.CreateTemp(dir, "."+req.FileName+".*.part")
	if err != nil {
		return reject(fmt.Errorf("create destination file: %w", err))
	}
	tmpPath := file.Name()
	removeTemp := func() {
		if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			s.options.Logger.Warn("remove partial file failed", "path", tmpPath, "error", removeErr)
		}
	}

	if err := s.copyPayload(file, conn, reader, req.FileSize); err != nil {
		_ = file.Close()
		removeTemp()
		return "", req, err
	}
	if err := file.Close(); err != nil {
		removeTemp()
		return "", req, fmt.Errorf("close destination file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		removeTemp()
		return "", req, fmt.Errorf("set destination file mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		removeTemp()
		return "", req, fmt.Errorf("move destination file into place: %w", err)
	}
	return path, req, nil
}

// copyPayload reads exactly size bytes, refreshing the idle deadline before
// every read so a stalled sender cannot pin the handler.
func (s *Server) copyPayload(dst io.Writer, conn net.Conn, src io.Reader, size int64) error {
	buf := make([]byte, s.options.ChunkSize)
	remaining := size
	for remaining > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.options.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, err := src.Read(buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write destination file: %w", werr)
			}
			remaining -= int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && remaining > 0 {
				return fmt.Errorf("%w: %d of %d bytes received", ErrShortPayload, size-remaining, size)
			}
			if remaining > 0 {
				return fmt.Errorf("read payload: %w", err)
			}
		}
	}
	return nil
}

// discardPayload drains a rejected transfer's payload with the same per-read
// idle deadline copyPayload uses.
func (s *Server) discardPayload(conn net.Conn, src io.Reader, size int64) {
	if size <= 0 {
		return
	}
	_ = s.copyPayload(io.Discard, conn, src, size)
}

func (s *Server) writeAck(conn net.Conn, resp models.TransferResponse) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.options.ReadTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	writer := bufio.NewWriter(conn)
	if err := WriteResponse(writer, resp); err != nil {
		return err
	}
	return writer.Flush()
}

func (s *Server) recordTransfer(record storage.TransferRecord) {
	if s.options.Recorder == nil {
		return
	}
	if err := s.options.Recorder.RecordTransfer(record); err != nil {
		s.options.Logger.Warn("record received transfer failed", "file", record.FileName, "error", err)
	}
}
