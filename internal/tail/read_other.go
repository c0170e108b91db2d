//go:build !unix

package tail

import "os"

func mapRange(f *os.File, start, end int64) ([]byte, error) {
	return preadRange(f, start, end)
}
