//go:build unix

package tail

import (
	"fmt"
	"os"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// mapRange maps [start, end) of f read-only and copies it out. The mapping
// offset must be page aligned, so the region starts at the enclosing page
// boundary and the leading bytes are skipped.
//
// A concurrent truncation can invalidate mapped pages; SetPanicOnFault turns
// the resulting fault into a recoverable panic that is reported as an error.
func mapRange(f *os.File, start, end int64) (data []byte, err error) {
	page := int64(os.Getpagesize())
	aligned := start - start%page
	skip := start - aligned
	length := int(end - aligned)

	region, err := unix.Mmap(int(f.Fd()), aligned, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	defer func() {
		if uerr := unix.Munmap(region); uerr != nil && err == nil {
			err = fmt.Errorf("munmap: %w", uerr)
		}
	}()

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("mmap: fault while reading: %v", r)
		}
	}()

	data = make([]byte, end-start)
	copy(data, region[skip:])
	return data, nil
}
