// Package validate performs structural checks on downloaded database files
// before they are allowed into the target directory.
package validate

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Class is the database format inferred from the file name.
type Class string

const (
	ClassMMDB    Class = "mmdb"
	ClassBIN     Class = "bin"
	ClassUnknown Class = "unknown"
)

const (
	// MinSize is the floor below which a payload is assumed to be an error page.
	MinSize = 1000

	// MarkerWindow is how much of the file tail is searched for the MMDB marker.
	MarkerWindow = 128 << 10
)

// Marker is the MMDB metadata section start: 0xAB 0xCD 0xEF followed by "MaxMind.com".
var Marker = []byte("\xab\xcd\xefMaxMind.com")

// errorDocuments are content types of typical error bodies. Only BIN files are
// rejected for them; other classes get a warning.
var errorDocuments = []string{"text/html", "text/xml", "application/xml", "application/json"}

// InvalidContentError represents a downloaded file that failed validation.
type InvalidContentError struct {
	Filename string // Name of the file that failed validation
	Reason   string // Human-readable explanation of why the content is invalid
	Err      error  // Underlying error, if any
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid database content in %s: %s", e.Filename, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

// Outcome is the result of validating one file.
type Outcome struct {
	Name     string
	Class    Class
	Size     int64
	Valid    bool
	Reason   string
	Warnings []string

	err error
}

// Err returns an *InvalidContentError for invalid outcomes and nil otherwise.
func (o Outcome) Err() error {
	if o.Valid {
		return nil
	}

	return &InvalidContentError{Filename: o.Name, Reason: o.Reason, Err: o.err}
}

// ClassOf infers the class from the name's extension, case-insensitively.
func ClassOf(name string) Class {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mmdb":
		return ClassMMDB
	case ".bin":
		return ClassBIN
	default:
		return ClassUnknown
	}
}

// Validate checks the file at path, declared as name, for installation.
// Every class must reach MinSize. A missing MMDB marker is only a warning.
func Validate(path, name string) Outcome {
	return check(path, name, false)
}

// ValidateStrict is Validate for files already installed: a missing MMDB
// marker makes the file invalid.
func ValidateStrict(path, name string) Outcome {
	return check(path, name, true)
}

func check(path, name string, strict bool) Outcome {
	out := Outcome{Name: name, Class: ClassOf(name)}

	f, err := os.Open(path)
	if err != nil {
		return out.invalid("cannot open file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return out.invalid("cannot stat file", err)
	}

	out.Size = info.Size()

	if out.Size == 0 {
		return out.invalid("file is empty", nil)
	}

	if out.Size < MinSize {
		return out.invalid(fmt.Sprintf("file too small (%d bytes, minimum %d)", out.Size, MinSize), nil)
	}

	hasMarker := false

	if out.Class == ClassMMDB {
		hasMarker, err = tailContains(f, out.Size, Marker, MarkerWindow)
		if err != nil {
			return out.invalid("cannot read file", err)
		}
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return out.invalid("cannot read file", err)
	}

	doc, isErrorDoc := errorDocument(mt)

	switch out.Class {
	case ClassMMDB:
		if hasMarker {
			break
		}

		if strict {
			return out.invalid("MaxMind metadata marker not found", nil)
		}

		out.Warnings = append(out.Warnings, "MaxMind metadata marker not found in the last 128 KiB")

		if isErrorDoc {
			out.Warnings = append(out.Warnings, "content looks like "+doc)
		}
	case ClassBIN:
		if isErrorDoc {
			return out.invalid("content is "+doc+", not a database", nil)
		}

		if isText(mt) {
			out.Warnings = append(out.Warnings, "file content looks like text, expected binary data")
		}
	default:
		if isErrorDoc {
			out.Warnings = append(out.Warnings, "content looks like "+doc)
		}
	}

	out.Valid = true

	return out
}

func (o Outcome) invalid(reason string, err error) Outcome {
	o.Valid = false
	o.Reason = reason
	o.err = err

	return o
}

// tailContains reports whether the last window bytes of r contain marker.
func tailContains(r io.ReaderAt, size int64, marker []byte, window int64) (bool, error) {
	start := size - window
	if start < 0 {
		start = 0
	}

	buf := make([]byte, size-start)
	if _, err := r.ReadAt(buf, start); err != nil && err != io.EOF {
		return false, err
	}

	return bytes.Contains(buf, marker), nil
}

func errorDocument(mt *mimetype.MIME) (string, bool) {
	for m := mt; m != nil; m = m.Parent() {
		for _, doc := range errorDocuments {
			if m.Is(doc) {
				return doc, true
			}
		}
	}

	return "", false
}

func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}

	return false
}
