package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"loopdrop/logging"
	"loopdrop/models"
)

func TestDispatchedSet(t *testing.T) {
	set := NewDispatchedSet()
	if !set.Add("/a") {
		t.Fatalf("first Add should report true")
	}
	if set.Add("/a") {
		t.Fatalf("second Add should report false")
	}
	if !set.Contains("/a") || set.Len() != 1 {
		t.Fatalf("unexpected set state")
	}
	set.Remove("/a")
	if set.Contains("/a") || set.Len() != 0 {
		t.Fatalf("Remove did not drop the path")
	}

	for i := 0; i < MaxDispatched; i++ {
		set.Add(fmt.Sprintf("/f%d", i))
	}
	if _, cleared := set.clearIfOver(MaxDispatched); cleared {
		t.Fatalf("set at the limit must not be cleared")
	}
	set.Add("/one-more")
	if n, cleared := set.clearIfOver(MaxDispatched); !cleared || n != MaxDispatched+1 {
		t.Fatalf("expected clear at %d entries, got n=%d cleared=%v", MaxDispatched+1, n, cleared)
	}
	if set.Len() != 0 {
		t.Fatalf("expected empty set after clear")
	}

	set.Add("/b")
	set.Clear()
	if set.Contains("/b") {
		t.Fatalf("Clear left entries behind")
	}
}

func TestScanDispatchesStableFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Downloads")
	mustMkdir(t, dir)
	path := writeFile(t, dir, "hello.txt", "hello")

	sender := &fakeSender{}
	poller := newTestPoller(t, dir, models.FileActionCopy, sender)

	if err := poller.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return sender.count() == 1 })

	call := sender.call(0)
	if call.path != path || call.folderName != "Downloads" {
		t.Fatalf("unexpected send call: %+v", call)
	}
	if !poller.Dispatched().Contains(path) {
		t.Fatalf("sent file should stay marked")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("copy action must keep the source: %v", err)
	}

	// Already dispatched; the next scan must not send it again.
	if err := poller.Scan(context.Background()); err != nil {
		t.Fatalf("second Scan failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 1 {
		t.Fatalf("expected a single send, got %d", sender.count())
	}
}

func TestZeroByteFileIsNeverDispatched(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.txt", "")

	sender := &fakeSender{}
	poller := newTestPoller(t, dir, models.FileActionCopy, sender)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := poller.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("zero-byte file was dispatched %d times", sender.count())
	}
	if poller.Dispatched().Len() != 0 {
		t.Fatalf("zero-byte file must not be marked")
	}
}

func TestGrowingFileWaitsForStability(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "growing.log", "start")

	sender := &fakeSender{}
	poller := newTestPollerWithDelay(t, dir, models.FileActionCopy, sender, 150*time.Millisecond)

	stopWriting := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return
		}
		defer f.Close()
		for {
			select {
			case <-stopWriting:
				return
			case <-time.After(10 * time.Millisecond):
				_, _ = f.WriteString("more")
			}
		}
	}()

	if err := poller.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	close(stopWriting)
	<-writerDone

	if sender.count() != 0 || poller.Dispatched().Contains(path) {
		t.Fatalf("growing file must not be dispatched or marked")
	}

	if err := poller.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return sender.count() == 1 })
}

func TestFailedSendIsRetriedOnNextScan(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "retry.bin", "payload")

	sender := &fakeSender{failFirst: 1}
	poller := newTestPoller(t, dir, models.FileActionMove, sender)

	if err := poller.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		return sender.count() == 1 && !poller.Dispatched().Contains(path)
	})
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("failed send must not delete the source: %v", err)
	}

	if err := poller.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return sender.count() == 2 })
	waitForCondition(t, time.Second, func() bool {
		_, err := os.Stat(path)
		return errors.Is(err, os.ErrNotExist)
	})
}

func TestMoveActionDeletesSourceAfterSend(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "move.txt", "bye")

	sender := &fakeSender{}
	poller := newTestPoller(t, dir, models.FileActionMove, sender)

	if err := poller.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		_, err := os.Stat(path)
		return errors.Is(err, os.ErrNotExist)
	})
	waitForCondition(t, time.Second, func() bool { return poller.Dispatched().Len() == 0 })
}

func TestDispatchedSetOverLimitAllowsRedispatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "kept.txt", "kept")

	sender := &fakeSender{}
	poller := newTestPoller(t, dir, models.FileActionCopy, sender)

	if err := poller.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return sender.count() == 1 })

	for i := 0; poller.Dispatched().Len() <= MaxDispatched; i++ {
		poller.Dispatched().Add(fmt.Sprintf("/elsewhere/%d", i))
	}
	if poller.Dispatched().Len() != MaxDispatched+1 {
		t.Fatalf("expected %d entries, got %d", MaxDispatched+1, poller.Dispatched().Len())
	}

	if err := poller.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if got := poller.Dispatched().Len(); got != 1 {
		t.Fatalf("expected only this cycle's dispatch after clearing, got %d", got)
	}
	if !poller.Dispatched().Contains(path) {
		t.Fatalf("expected %s to be marked again", path)
	}
	waitForCondition(t, time.Second, func() bool { return sender.count() == 2 })
}

func TestScanSkipsDirectoriesAndDirectorySymlinks(t *testing.T) {
	dir := t.TempDir()
	mustMkdir(t, filepath.Join(dir, "nested"))
	writeFile(t, filepath.Join(dir, "nested"), "inner.txt", "inner")
	if err := os.Symlink(filepath.Join(dir, "nested"), filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	sender := &fakeSender{}
	poller := newTestPoller(t, dir, models.FileActionCopy, sender)
	if err := poller.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("directories must not be dispatched, got %d sends", sender.count())
	}
}

func TestScanMissingFolderIsScanError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	sender := &fakeSender{}
	poller := newTestPoller(t, dir, models.FileActionCopy, sender)

	err := poller.Scan(context.Background())
	var scanErr *ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("expected ScanError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ScanError to wrap ErrNotExist, got %v", err)
	}
}

func TestRunSurvivesScanErrors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "late")
	sender := &fakeSender{}
	poller := newTestPoller(t, dir, models.FileActionCopy, sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- poller.Run(ctx)
	}()

	time.Sleep(80 * time.Millisecond)
	mustMkdir(t, dir)
	writeFile(t, dir, "late.txt", "late")

	waitForCondition(t, 2*time.Second, func() bool { return sender.count() == 1 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestRunWaitsForInFlightSends(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "slow.bin", "slow")

	release := make(chan struct{})
	sender := &fakeSender{block: release}
	poller := newTestPoller(t, dir, models.FileActionCopy, sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = poller.Run(ctx)
		close(done)
	}()

	waitForCondition(t, time.Second, func() bool { return sender.count() == 1 })
	cancel()
	select {
	case <-done:
		t.Fatalf("Run returned while a send was still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after the send finished")
	}
}

func TestFsnotifyTriggersEarlyScan(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	poller, err := NewPoller(Config{
		Folder:         models.WatchedFolder{Path: dir, Enabled: true},
		Interval:       time.Minute,
		StabilityDelay: 20 * time.Millisecond,
		UseFsnotify:    true,
		Logger:         logging.Discard(),
	}, sender)
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = poller.Run(ctx)
	}()

	// Let the first (empty) scan finish and the poller settle into its long wait.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "event.txt", "event")

	waitForCondition(t, 3*time.Second, func() bool { return sender.count() >= 1 })
}

func TestNewPollerValidation(t *testing.T) {
	if _, err := NewPoller(Config{Folder: models.WatchedFolder{Path: t.TempDir()}}, nil); err == nil {
		t.Fatalf("expected nil sender to be rejected")
	}
	if _, err := NewPoller(Config{}, &fakeSender{}); err == nil {
		t.Fatalf("expected empty path to be rejected")
	}
	if _, err := NewPoller(Config{Folder: models.WatchedFolder{Path: t.TempDir(), Action: "shred"}}, &fakeSender{}); err == nil {
		t.Fatalf("expected unknown action to be rejected")
	}
}

type sendCall struct {
	path       string
	folderName string
}

type fakeSender struct {
	mu        sync.Mutex
	calls     []sendCall
	failFirst int
	block     chan struct{}
}

func (s *fakeSender) Send(ctx context.Context, path, folderName string) error {
	s.mu.Lock()
	s.calls = append(s.calls, sendCall{path: path, folderName: folderName})
	n := len(s.calls)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if n <= s.failFirst {
		return errors.New("connection refused")
	}
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSender) call(i int) sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func newTestPoller(t *testing.T, dir string, action models.FileAction, sender Sender) *Poller {
	t.Helper()
	return newTestPollerWithDelay(t, dir, action, sender, 20*time.Millisecond)
}

func newTestPollerWithDelay(t *testing.T, dir string, action models.FileAction, sender Sender, delay time.Duration) *Poller {
	t.Helper()
	poller, err := NewPoller(Config{
		Folder:         models.WatchedFolder{Path: dir, Action: action, Enabled: true},
		Interval:       20 * time.Millisecond,
		StabilityDelay: delay,
		ErrorBackoff:   30 * time.Millisecond,
		Logger:         logging.Discard(),
	}, sender)
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	return poller
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func mustMkdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
