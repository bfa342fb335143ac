package watcher

import "fmt"

// ScanError reports a failed scan cycle. The poller logs it, backs off and
// keeps running.
type ScanError struct {
	Folder string
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Folder, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}
