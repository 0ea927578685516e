// Package install moves validated downloads into the target directory so
// that a database only ever appears at its final name complete.
package install

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// FileMode is the permission installed databases end up with.
const FileMode = 0o644

// rename is swapped in tests to simulate a cross-device move.
var rename = os.Rename

// Install moves tempPath to targetPath. It renames when both live on the
// same filesystem; otherwise it copies into a temporary sibling of
// targetPath and renames that, so readers of targetPath never observe a
// partial file. The source is removed on success.
func Install(tempPath, targetPath string) error {
	if err := os.Chmod(tempPath, FileMode); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", tempPath, err)
	}

	err := rename(tempPath, targetPath)
	if err == nil {
		return nil
	}

	if !isCrossDevice(err) {
		return fmt.Errorf("failed to install %s: %w", filepath.Base(targetPath), err)
	}

	if err := copyIntoPlace(tempPath, targetPath); err != nil {
		return fmt.Errorf("failed to install %s across filesystems: %w", filepath.Base(targetPath), err)
	}

	if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("installed %s but failed to remove source: %w", filepath.Base(targetPath), err)
	}

	return nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

func copyIntoPlace(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}

	tmp := out.Name()

	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}

	if err = out.Sync(); err != nil {
		return err
	}

	if err = out.Close(); err != nil {
		return err
	}

	if err = os.Chmod(tmp, FileMode); err != nil {
		return err
	}

	return os.Rename(tmp, dst)
}
