package tail

import (
	"fmt"
	"io"
	"os"
)

// mmapThreshold is the range length from which readRange maps the file
// instead of copying it through a positioned read.
const mmapThreshold = 64 << 10

// readRange returns the bytes of path in [start, end).
func readRange(path string, start, end int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// The file may have shrunk since the caller's stat; never read or map
	// past the current end.
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < end {
		end = info.Size()
	}
	if start >= end {
		return nil, nil
	}

	if end-start >= mmapThreshold {
		return mapRange(f, start, end)
	}
	return preadRange(f, start, end)
}

func preadRange(f *os.File, start, end int64) ([]byte, error) {
	buf := make([]byte, end-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("pread: %w", err)
	}
	return buf[:n], nil
}
