//go:build js || wasip1

package indexed

import (
	"io"
	"os"
)

// MapFile reads file fully; wasm targets have no mmap.
func MapFile(file *os.File) ([]byte, func() error, error) {
	contents, err := io.ReadAll(file)
	return contents, func() error { return nil }, err
}
