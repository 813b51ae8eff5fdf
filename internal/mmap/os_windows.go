//go:build windows

package mmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func osMap(f *os.File, size int) ([]byte, func([]byte) error, error) {
	if size == 0 {
		return nil, nil, nil
	}
	mapping, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		return nil, nil, err
	}
	// The view keeps the mapping object alive.
	defer func() { _ = windows.CloseHandle(mapping) }()

	view, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		return nil, nil, err
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(view)), size)
	unmap := func([]byte) error { return windows.UnmapViewOfFile(view) }
	return data, unmap, nil
}

// osAdvise is a no-op. Windows has no madvise and the segment files are
// small enough for the default page cache policy.
func osAdvise([]byte, Hint) error { return nil }
