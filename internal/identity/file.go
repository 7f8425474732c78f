package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSource keeps the identifier in a file. The device simulator uses it
// in place of a browser cookie jar.
type FileSource struct {
	Path string
}

// Load implements Source. A missing file is not an error.
func (f FileSource) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", f.Path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save implements Source.
func (f FileSource) Save(id string) error {
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(f.Path, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", f.Path, err)
	}
	return nil
}
