//go:build !wasip1 && !js

package indexed

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// MapFile maps file read-only. The returned release func unmaps it. Empty
// files and wasm builds get a plain in-memory copy.
func MapFile(file *os.File) ([]byte, func() error, error) {
	stat, statErr := file.Stat()
	if statErr != nil {
		return nil, nil, statErr
	}
	if stat.Size() == 0 {
		// Zero length maps are rejected by the kernel.
		return []byte{}, func() error { return nil }, nil
	}
	fileMmap, mmapErr := mmap.Map(file, mmap.RDONLY, 0)
	if mmapErr != nil {
		return nil, nil, mmapErr
	}
	return fileMmap, fileMmap.Unmap, nil
}
