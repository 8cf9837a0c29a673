package util

import (
	"fmt"
	"os"
)

// CreateFile creates a new file for on-disk output (SSTables and the like).
// It fails if the file already exists: file ids are never reused, so an
// existing file at the target path means a bookkeeping bug.
func CreateFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return nil, fmt.Errorf("attempting to create %s but it already exists", path)
	} else if err != nil {
		return nil, fmt.Errorf("could not create %s: %w", path, err)
	}

	return file, nil
}
