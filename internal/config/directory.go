package config

import (
	"fmt"
	"os"
)

const dirPerm = 0o755

// DirectoryError represents a target directory that cannot be created or
// written to.
type DirectoryError struct {
	DirectoryName string // The directory that caused the error
	Reason        string // Human-readable explanation of the directory error
	Err           error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// EnsureTargetDir creates dir when missing and proves it is writable by
// creating and removing a scratch file.
func EnsureTargetDir(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &DirectoryError{DirectoryName: dir, Reason: "cannot create directory", Err: err}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return &DirectoryError{DirectoryName: dir, Reason: "cannot stat directory", Err: err}
	}

	if !info.IsDir() {
		return &DirectoryError{DirectoryName: dir, Reason: "not a directory"}
	}

	check, err := os.CreateTemp(dir, ".geoip-write-check-*")
	if err != nil {
		return &DirectoryError{DirectoryName: dir, Reason: "directory is not writable", Err: err}
	}

	check.Close()

	if err := os.Remove(check.Name()); err != nil {
		return &DirectoryError{DirectoryName: dir, Reason: "cannot remove write check file", Err: err}
	}

	return nil
}
