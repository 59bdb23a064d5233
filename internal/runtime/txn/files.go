package txn

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
)

// ReadToken reads a single-token file and trims surrounding whitespace.
// A missing file is reported as found=false with no error.
func ReadToken(path string) (value string, found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, &errspkg.StatusFileError{Op: "read", Path: path, Err: err}
	}
	return strings.TrimSpace(string(data)), true, nil
}

// WriteToken replaces the contents of path with value, creating parent
// directories as needed. The value goes to a temp file in the same directory
// which is then renamed over path, so readers never see a partial write.
func WriteToken(path, value string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errspkg.StatusFileError{Op: "create directory for", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &errspkg.StatusFileError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &errspkg.StatusFileError{Op: "write", Path: path, Err: err}
	}

	if _, err := tmp.WriteString(value); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &errspkg.StatusFileError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &errspkg.StatusFileError{Op: "write", Path: path, Err: err}
	}
	return nil
}
