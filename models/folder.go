package models

import "path/filepath"

// FileAction controls what happens to a source file after a successful send.
type FileAction string

const (
	// FileActionCopy leaves the source file in place.
	FileActionCopy FileAction = "copy"
	// FileActionMove deletes the source file once the receiver acknowledged it.
	FileActionMove FileAction = "move"
)

// WatchedFolder is a source directory polled for new files.
type WatchedFolder struct {
	Path    string     `json:"path" yaml:"path"`
	Action  FileAction `json:"action" yaml:"action"`
	Enabled bool       `json:"enabled" yaml:"enabled"`
}

// Name is the folder's base name, which selects the channel.
func (w WatchedFolder) Name() string {
	return filepath.Base(filepath.Clean(w.Path))
}
