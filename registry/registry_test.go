package registry

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"loopdrop/logging"
	"loopdrop/models"
)

func TestChannelForFolderIsStable(t *testing.T) {
	// Pinned values guard against accidental hash changes; a sender and a
	// receiver built from different revisions must agree.
	cases := map[string]int{
		"Downloads":   4,
		"Screenshots": 2,
		"Documents":   9,
		"Camera":      6,
		"Music":       2,
		"":            5,
	}
	for name, want := range cases {
		for i := 0; i < 3; i++ {
			if got := ChannelForFolder(name, 10); got != want {
				t.Fatalf("ChannelForFolder(%q) = %d, want %d", name, got, want)
			}
		}
	}
}

func TestChannelForFolderStaysInRange(t *testing.T) {
	for total := 1; total <= 17; total++ {
		for _, name := range []string{"a", "Downloads", "日本語フォルダ", "x y z", "Screenshots"} {
			got := ChannelForFolder(name, total)
			if got < 0 || got >= total {
				t.Fatalf("ChannelForFolder(%q, %d) = %d out of range", name, total, got)
			}
		}
	}
}

func TestChannelForFolderCollisionsAreAllowed(t *testing.T) {
	if ChannelForFolder("Screenshots", 10) != ChannelForFolder("Music", 10) {
		t.Fatalf("expected Screenshots and Music to share a channel with 10 channels")
	}
}

func TestResolvePortAndChannel(t *testing.T) {
	reg := newTestRegistry(t, PortRange{BasePort: 5152, TotalChannels: 10}, nil)

	port, err := reg.ResolvePort(3)
	if err != nil || port != 5155 {
		t.Fatalf("ResolvePort(3) = %d, %v; want 5155", port, err)
	}
	channel, err := reg.ResolveChannel(5161)
	if err != nil || channel != 9 {
		t.Fatalf("ResolveChannel(5161) = %d, %v; want 9", channel, err)
	}

	var rangeErr *OutOfRangeError
	if _, err := reg.ResolvePort(10); !errors.As(err, &rangeErr) || rangeErr.Kind != "channel" {
		t.Fatalf("expected channel OutOfRangeError, got %v", err)
	}
	if _, err := reg.ResolvePort(-1); !errors.As(err, &rangeErr) {
		t.Fatalf("expected OutOfRangeError for negative channel, got %v", err)
	}
	if _, err := reg.ResolveChannel(5151); !errors.As(err, &rangeErr) || rangeErr.Kind != "port" {
		t.Fatalf("expected port OutOfRangeError, got %v", err)
	}
	if _, err := reg.ResolveChannel(5162); !errors.As(err, &rangeErr) {
		t.Fatalf("expected OutOfRangeError past the range, got %v", err)
	}
}

func TestNewRejectsInconsistentChannels(t *testing.T) {
	rng := PortRange{BasePort: 6000, TotalChannels: 3}
	cases := map[string][]models.Channel{
		"out of range": {{ID: 3, Port: 6003, Enabled: true}},
		"wrong port":   {{ID: 1, Port: 6002, Enabled: true}},
		"duplicate":    {{ID: 1, Port: 6001}, {ID: 1, Port: 6001}},
	}
	for name, channels := range cases {
		if _, err := New(rng, channels, Options{}); err == nil {
			t.Fatalf("%s: expected New to fail", name)
		}
	}
	if _, err := New(PortRange{BasePort: 65535, TotalChannels: 2}, nil, Options{}); err == nil {
		t.Fatalf("expected range overflowing the port space to fail")
	}
}

func TestEnabledPortsSkipsDisabledChannels(t *testing.T) {
	reg := newTestRegistry(t, PortRange{BasePort: 7000, TotalChannels: 4}, []models.Channel{
		{ID: 1, Port: 7001, Enabled: false},
	})
	got := reg.EnabledPorts()
	want := []int{7000, 7002, 7003}
	if len(got) != len(want) {
		t.Fatalf("EnabledPorts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("EnabledPorts = %v, want %v", got, want)
		}
	}
}

func TestDestinationDir(t *testing.T) {
	root := t.TempDir()
	abs := filepath.Join(t.TempDir(), "elsewhere")
	reg := newTestRegistry(t, PortRange{BasePort: 7100, TotalChannels: 3}, []models.Channel{
		{ID: 1, Port: 7101, FolderPath: "Documents", Enabled: true},
		{ID: 2, Port: 7102, FolderPath: abs, Enabled: true},
	})

	if got, want := reg.DestinationDir(root, 0), filepath.Join(root, "channel_0"); got != want {
		t.Fatalf("DestinationDir(0) = %q, want %q", got, want)
	}
	if got, want := reg.DestinationDir(root, 1), filepath.Join(root, "Documents"); got != want {
		t.Fatalf("DestinationDir(1) = %q, want %q", got, want)
	}
	if got := reg.DestinationDir(root, 2); got != abs {
		t.Fatalf("DestinationDir(2) = %q, want %q", got, abs)
	}
}

func TestBindAllIsAllOrNothing(t *testing.T) {
	rng := freePortRange(t, 4)
	reg := newTestRegistry(t, rng, nil)

	// Occupy the third port so binding fails midway.
	blocker, err := net.Listen("tcp", net.JoinHostPort(LoopbackHost, strconv.Itoa(rng.BasePort+2)))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer blocker.Close()

	err = reg.BindAll(rng.Ports())
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected BindError, got %v", err)
	}
	if bindErr.Port != rng.BasePort+2 {
		t.Fatalf("expected failure on port %d, got %d", rng.BasePort+2, bindErr.Port)
	}
	if ports := reg.BoundPorts(); len(ports) != 0 {
		t.Fatalf("expected no bound ports after failed BindAll, got %v", ports)
	}

	// The ports opened before the failure must be free again.
	for _, port := range []int{rng.BasePort, rng.BasePort + 1} {
		ln, err := net.Listen("tcp", net.JoinHostPort(LoopbackHost, strconv.Itoa(port)))
		if err != nil {
			t.Fatalf("port %d still held after rollback: %v", port, err)
		}
		_ = ln.Close()
	}
}

func TestBindAllRejectsPortOutsideRange(t *testing.T) {
	rng := freePortRange(t, 2)
	reg := newTestRegistry(t, rng, nil)

	err := reg.BindAll([]int{rng.BasePort, rng.BasePort + 5})
	var rangeErr *OutOfRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected OutOfRangeError inside BindError, got %v", err)
	}
	if ports := reg.BoundPorts(); len(ports) != 0 {
		t.Fatalf("expected rollback, got bound ports %v", ports)
	}
}

func TestDialAndCloseAll(t *testing.T) {
	rng := freePortRange(t, 2)
	reg := newTestRegistry(t, rng, nil)
	if err := reg.BindAll(rng.Ports()); err != nil {
		t.Fatalf("BindAll failed: %v", err)
	}

	ln, ok := reg.Listener(rng.BasePort + 1)
	if !ok {
		t.Fatalf("expected listener for port %d", rng.BasePort+1)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := reg.Dial(ctx, 1)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	var serverSide net.Conn
	select {
	case serverSide = <-accepted:
		defer serverSide.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted the dial")
	}

	// A blocked read on the outbound socket must be released by CloseAll.
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := conn.Read(buf)
		readErr <- err
	}()

	if err := reg.CloseAll(); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	select {
	case err := <-readErr:
		if err == nil {
			t.Fatalf("expected read error after CloseAll")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("outbound read not unblocked by CloseAll")
	}

	if err := reg.CloseAll(); err != nil {
		t.Fatalf("second CloseAll should be a no-op, got %v", err)
	}
	if _, err := reg.Dial(ctx, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after CloseAll, got %v", err)
	}
	if err := reg.BindAll(rng.Ports()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected BindAll after CloseAll to fail with ErrClosed, got %v", err)
	}
}

func TestDialRefusedWhenNothingListens(t *testing.T) {
	rng := freePortRange(t, 1)
	reg := newTestRegistry(t, rng, nil)

	if _, err := reg.Dial(context.Background(), 0); err == nil {
		t.Fatalf("expected dial to an unbound port to fail")
	}
	if _, err := reg.Dial(context.Background(), 1); err == nil {
		t.Fatalf("expected out-of-range dial to fail")
	}
}

func newTestRegistry(t *testing.T, rng PortRange, channels []models.Channel) *Registry {
	t.Helper()
	reg, err := New(rng, channels, Options{Logger: logging.Discard(), DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("New registry: %v", err)
	}
	t.Cleanup(func() {
		_ = reg.CloseAll()
	})
	return reg
}

// freePortRange finds n contiguous loopback ports that are currently free.
func freePortRange(t *testing.T, n int) PortRange {
	t.Helper()
	for attempt := 0; attempt < 50; attempt++ {
		ln, err := net.Listen("tcp", LoopbackHost+":0")
		if err != nil {
			t.Fatalf("probe listen: %v", err)
		}
		base := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()
		if base+n-1 > 65535 {
			continue
		}

		ok := true
		for port := base; port < base+n; port++ {
			probe, err := net.Listen("tcp", net.JoinHostPort(LoopbackHost, strconv.Itoa(port)))
			if err != nil {
				ok = false
				break
			}
			_ = probe.Close()
		}
		if ok {
			return PortRange{BasePort: base, TotalChannels: n}
		}
	}
	t.Fatalf("could not find %d contiguous free ports", n)
	return PortRange{}
}
