package downloader

import (
	"errors"
	"fmt"
)

// ErrEmptyFile is returned when a 2xx response carried no bytes.
var ErrEmptyFile = errors.New("downloaded file is empty")

// UnsafeNameError represents a database name that cannot be used as a file
// name inside the target directory.
type UnsafeNameError struct {
	Name string
}

func (e *UnsafeNameError) Error() string {
	return fmt.Sprintf("unsafe database name %q", e.Name)
}

// PartialFailureError reports that some, but not necessarily all, databases
// failed while the run itself completed.
type PartialFailureError struct {
	Failed int
	Total  int
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("failed to download %d of %d databases", e.Failed, e.Total)
}
