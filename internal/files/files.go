// Package files implements generic file tools.
package files

import (
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DefaultDirCreationPerm is used when creating new directories.
const DefaultDirCreationPerm = 0755

// Exists returns true if the file/directory exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}

// WriteAtomically calls write with a temporary path next to filePath and, if it succeeds, moves the
// temporary file to filePath. On failure the temporary file is removed and filePath is left untouched.
func WriteAtomically(filePath string, write func(tmpPath string) error) error {
	if err := os.MkdirAll(filepath.Dir(filePath), DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for file %q", filePath)
	}
	tmpPath := filePath + ".writing"
	if err := write(tmpPath); err != nil {
		if Exists(tmpPath) {
			if rmErr := os.Remove(tmpPath); rmErr != nil {
				log.Printf("Failed removing temporary file %q: %v", tmpPath, rmErr)
			}
		}
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to move temporary file %q to %q", tmpPath, filePath)
	}
	return nil
}
