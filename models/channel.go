package models

// Channel is one logical transfer lane bound to a TCP port and a destination folder.
type Channel struct {
	ID         int    `json:"channel" yaml:"channel"`
	Port       int    `json:"port" yaml:"port"`
	FolderPath string `json:"folder_path,omitempty" yaml:"folder_path,omitempty"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}
