//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func osMap(f *os.File, size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}

	return data, unix.Munmap, nil
}

func osAdvise(data []byte, hint Hint) error {
	if len(data) == 0 {
		return nil
	}
	advice := unix.MADV_NORMAL
	switch hint {
	case HintPointReads:
		advice = unix.MADV_RANDOM
	case HintScan:
		advice = unix.MADV_SEQUENTIAL
	case HintRelease:
		advice = unix.MADV_DONTNEED
	}
	// Hints are advisory. EINVAL from an unaligned or odd mapping is dropped.
	if err := unix.Madvise(data, advice); err != nil && err != unix.EINVAL {
		return err
	}
	return nil
}
