package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"loopdrop/models"
)

const (
	// LoopbackHost is the only interface listeners bind to.
	LoopbackHost = "127.0.0.1"
	// DefaultDialTimeout bounds outbound loopback connects.
	DefaultDialTimeout = 5 * time.Second
	// ChannelDirPrefix names per-channel receive directories.
	ChannelDirPrefix = "channel_"
)

// PortRange maps channel i to port BasePort+i for i in [0, TotalChannels).
type PortRange struct {
	BasePort      int
	TotalChannels int
}

// Validate checks that the range is non-empty and fits in the TCP port space.
func (r PortRange) Validate() error {
	if r.TotalChannels <= 0 {
		return fmt.Errorf("total channels must be > 0, got %d", r.TotalChannels)
	}
	if r.BasePort <= 0 || r.BasePort+r.TotalChannels-1 > 65535 {
		return fmt.Errorf("port range %d..%d is not a valid TCP range", r.BasePort, r.BasePort+r.TotalChannels-1)
	}
	return nil
}

// Ports lists every port in the range in channel order.
func (r PortRange) Ports() []int {
	out := make([]int, 0, r.TotalChannels)
	for i := 0; i < r.TotalChannels; i++ {
		out = append(out, r.BasePort+i)
	}
	return out
}

// Options tunes registry behavior.
type Options struct {
	Host        string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Host == "" {
		out.Host = LoopbackHost
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Registry owns the channel<->port<->folder mapping for one running session,
// together with every listening and outbound socket opened on its behalf.
type Registry struct {
	rng      PortRange
	opts     Options
	channels map[int]models.Channel

	mu        sync.RWMutex
	listeners map[int]net.Listener
	outbound  map[net.Conn]struct{}
	closed    bool
}

// New validates the channel list against the range and builds a registry.
// Channels missing from the list are treated as enabled with no folder override.
func New(rng PortRange, channels []models.Channel, options Options) (*Registry, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	byID := make(map[int]models.Channel, rng.TotalChannels)
	seenPorts := make(map[int]int, len(channels))
	for _, ch := range channels {
		if ch.ID < 0 || ch.ID >= rng.TotalChannels {
			return nil, &OutOfRangeError{Kind: "channel", Value: ch.ID, Min: 0, Max: rng.TotalChannels - 1}
		}
		if _, dup := byID[ch.ID]; dup {
			return nil, fmt.Errorf("duplicate channel %d", ch.ID)
		}
		if ch.Port != rng.BasePort+ch.ID {
			return nil, fmt.Errorf("channel %d must use port %d, got %d", ch.ID, rng.BasePort+ch.ID, ch.Port)
		}
		if other, dup := seenPorts[ch.Port]; dup {
			return nil, fmt.Errorf("port %d assigned to channels %d and %d", ch.Port, other, ch.ID)
		}
		seenPorts[ch.Port] = ch.ID
		byID[ch.ID] = ch
	}
	for i := 0; i < rng.TotalChannels; i++ {
		if _, ok := byID[i]; !ok {
			byID[i] = models.Channel{ID: i, Port: rng.BasePort + i, Enabled: true}
		}
	}

	return &Registry{
		rng:       rng,
		opts:      options.withDefaults(),
		channels:  byID,
		listeners: make(map[int]net.Listener),
		outbound:  make(map[net.Conn]struct{}),
	}, nil
}

// Range returns the configured port range.
func (r *Registry) Range() PortRange {
	return r.rng
}

// Channels returns every channel in ID order.
func (r *Registry) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Channel looks up one channel by ID.
func (r *Registry) Channel(id int) (models.Channel, error) {
	ch, ok := r.channels[id]
	if !ok {
		return models.Channel{}, &OutOfRangeError{Kind: "channel", Value: id, Min: 0, Max: r.rng.TotalChannels - 1}
	}
	return ch, nil
}

// EnabledPorts lists the ports of enabled channels in channel order.
func (r *Registry) EnabledPorts() []int {
	out := make([]int, 0, len(r.channels))
	for _, ch := range r.Channels() {
		if ch.Enabled {
			out = append(out, ch.Port)
		}
	}
	return out
}

// ResolvePort maps a channel to its port.
func (r *Registry) ResolvePort(channel int) (int, error) {
	if channel < 0 || channel >= r.rng.TotalChannels {
		return 0, &OutOfRangeError{Kind: "channel", Value: channel, Min: 0, Max: r.rng.TotalChannels - 1}
	}
	return r.rng.BasePort + channel, nil
}

// ResolveChannel maps a port back to its channel.
func (r *Registry) ResolveChannel(port int) (int, error) {
	last := r.rng.BasePort + r.rng.TotalChannels - 1
	if port < r.rng.BasePort || port > last {
		return 0, &OutOfRangeError{Kind: "port", Value: port, Min: r.rng.BasePort, Max: last}
	}
	return port - r.rng.BasePort, nil
}

// ChannelForFolder assigns a folder name to a channel.
func (r *Registry) ChannelForFolder(folderName string) int {
	return ChannelForFolder(folderName, r.rng.TotalChannels)
}

// ChannelForFolder returns abs(FNV-1a-32(name)) mod totalChannels, where the
// hash is read as a signed 32-bit value. Only the folder's base name should be
// passed. Distinct names may collide on the same channel.
func ChannelForFolder(folderName string, totalChannels int) int {
	if totalChannels <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(folderName))
	v := int64(int32(h.Sum32()))
	if v < 0 {
		v = -v
	}
	return int(v % int64(totalChannels))
}

// DestinationDir is where files received on a channel are written. It is
// receivedRoot/channel_<id> unless the channel carries a folder override.
func (r *Registry) DestinationDir(receivedRoot string, channel int) string {
	if ch, ok := r.channels[channel]; ok && ch.FolderPath != "" {
		if filepath.IsAbs(ch.FolderPath) {
			return filepath.Clean(ch.FolderPath)
		}
		return filepath.Join(receivedRoot, ch.FolderPath)
	}
	return filepath.Join(receivedRoot, ChannelDirPrefix+strconv.Itoa(channel))
}

// BindAll opens a loopback listener on every port. If any bind fails, every
// listener opened by this call is closed and a *BindError is returned.
func (r *Registry) BindAll(ports []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return &BindError{Err: ErrClosed}
	}

	opened := make([]int, 0, len(ports))
	rollback := func() {
		for _, port := range opened {
			if ln, ok := r.listeners[port]; ok {
				_ = ln.Close()
				delete(r.listeners, port)
			}
		}
	}

	for _, port := range ports {
		if _, err := r.ResolveChannel(port); err != nil {
			rollback()
			return &BindError{Port: port, Err: err}
		}
		if _, exists := r.listeners[port]; exists {
			rollback()
			return &BindError{Port: port, Err: errors.New("port already bound")}
		}

		address := net.JoinHostPort(r.opts.Host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", address)
		if err != nil {
			rollback()
			r.opts.Logger.Error("bind failed; released all ports opened so far", "port", port, "error", err)
			return &BindError{Port: port, Err: err}
		}
		r.listeners[port] = ln
		opened = append(opened, port)
	}

	return nil
}

// Listener returns the bound listener for a port.
func (r *Registry) Listener(port int) (net.Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ln, ok := r.listeners[port]
	return ln, ok
}

// BoundPorts returns the currently listening ports in ascending order.
func (r *Registry) BoundPorts() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int, 0, len(r.listeners))
	for port := range r.listeners {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}

// Dial opens a loopback connection to a channel's port. The connection is
// owned by the registry until Release is called, so CloseAll can interrupt it.
func (r *Registry) Dial(ctx context.Context, channel int) (net.Conn, error) {
	port, err := r.ResolvePort(channel)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	dialer := net.Dialer{Timeout: r.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(r.opts.Host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial port %d: %w", port, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	r.outbound[conn] = struct{}{}
	r.mu.Unlock()

	return conn, nil
}

// Release closes an outbound connection and drops it from the registry.
func (r *Registry) Release(conn net.Conn) error {
	if conn == nil {
		return nil
	}
	r.mu.Lock()
	delete(r.outbound, conn)
	r.mu.Unlock()

	err := conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// CloseAll closes every listener and outbound connection. It is idempotent and
// safe to call from any goroutine.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	listeners := r.listeners
	outbound := r.outbound
	r.listeners = make(map[int]net.Listener)
	r.outbound = make(map[net.Conn]struct{})
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for port, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener %d: %w", port, err))
		}
	}
	for conn := range outbound {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close outbound %s: %w", conn.RemoteAddr(), err))
		}
	}
	return errors.Join(errs...)
}
