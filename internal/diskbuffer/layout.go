package diskbuffer

import (
	"fmt"
	"path/filepath"
)

// dataFileName returns the path of the data file for fileID within dir.
func dataFileName(dir string, fileID uint16) string {
	return filepath.Join(dir, fmt.Sprintf("buffer-data-%d.dat", fileID))
}

// nextFileID advances fileID, wrapping modulo maxFileID.
func nextFileID(fileID, maxFileID uint16) uint16 {
	if maxFileID == 0 {
		return fileID + 1
	}
	return uint16((uint32(fileID) + 1) % uint32(maxFileID))
}
