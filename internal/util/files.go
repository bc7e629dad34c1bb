package util

import (
	"errors"
	"io/fs"
	"os"
)

// PathExists reports whether path exists. A missing path is a false,
// not an error.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
