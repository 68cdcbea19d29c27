//go:build windows

package platform

import (
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Filesystem control codes for the Windows Overlay Filter.
const (
	fsctlSetExternalBacking    = 0x00090310
	fsctlGetExternalBacking    = 0x00090314
	fsctlDeleteExternalBacking = 0x00090318

	wofCurrentVersion          = 1
	wofProviderFile            = 2
	fileProviderCurrentVersion = 1
)

const (
	errObjectNotExternallyBacked = syscall.Errno(342)
	errCompressionNotBeneficial  = syscall.Errno(344)
)

// wofExternalInfo is WOF_EXTERNAL_INFO.
type wofExternalInfo struct {
	Version  uint32
	Provider uint32
}

// fileProviderExternalInfoV1 is FILE_PROVIDER_EXTERNAL_INFO_V1.
type fileProviderExternalInfoV1 struct {
	Version   uint32
	Algorithm uint32
	Flags     uint32
}

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procGetCompressedFileSize = kernel32.NewProc("GetCompressedFileSizeW")
)

// Supported reports whether this host can drive external backings at
// all.
func Supported() bool { return true }

type wofAdapter struct {
	preserveTimes bool
	onWarning     func(path string, err error)
}

// NewAdapter returns the WOF adapter for this host. onWarning, if
// non-nil, receives non-fatal problems such as a failed timestamp
// restore after an otherwise successful control call.
func NewAdapter(preserveTimes bool, onWarning func(path string, err error)) Adapter {
	return &wofAdapter{preserveTimes: preserveTimes, onWarning: onWarning}
}

func (a *wofAdapter) warn(path string, err error) {
	if a.onWarning != nil {
		a.onWarning(path, err)
	}
}

func (a *wofAdapter) Stat(path string) (Metadata, error) {
	p16, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("stat %s: %w", path, err)
	}

	var attrs windows.Win32FileAttributeData
	if err := windows.GetFileAttributesEx(p16, windows.GetFileExInfoStandard, (*byte)(unsafe.Pointer(&attrs))); err != nil {
		return Metadata{}, fmt.Errorf("stat %s: %w", path, err)
	}
	logical := int64(attrs.FileSizeHigh)<<32 | int64(attrs.FileSizeLow)

	physical, err := compressedSize(p16)
	if err != nil {
		return Metadata{}, fmt.Errorf("physical size %s: %w", path, err)
	}

	backing, err := queryBacking(p16)
	if err != nil {
		return Metadata{}, fmt.Errorf("query backing %s: %w", path, err)
	}

	return Metadata{
		Path:         path,
		LogicalSize:  logical,
		PhysicalSize: physical,
		Backing:      backing,
		ModTime:      time.Unix(0, attrs.LastWriteTime.Nanoseconds()),
		AccTime:      time.Unix(0, attrs.LastAccessTime.Nanoseconds()),
	}, nil
}

// compressedSize returns the allocated on-disk size, which for a
// WOF-backed file is the size of the backing.
func compressedSize(p16 *uint16) (int64, error) {
	var high uint32
	lo, _, callErr := procGetCompressedFileSize.Call(
		uintptr(unsafe.Pointer(p16)),
		uintptr(unsafe.Pointer(&high)),
	)
	const invalidFileSize = 0xFFFFFFFF
	if uint32(lo) == invalidFileSize {
		if errno, ok := callErr.(syscall.Errno); ok && errno != 0 {
			return 0, errno
		}
	}
	return int64(high)<<32 | int64(uint32(lo)), nil
}

func queryBacking(p16 *uint16) (Backing, error) {
	h, err := windows.CreateFile(p16,
		windows.FILE_READ_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return Backing{}, err
	}
	defer windows.CloseHandle(h)

	var out struct {
		Wof  wofExternalInfo
		File fileProviderExternalInfoV1
	}
	var ret uint32
	err = windows.DeviceIoControl(h, fsctlGetExternalBacking,
		nil, 0,
		(*byte)(unsafe.Pointer(&out)), uint32(unsafe.Sizeof(out)),
		&ret, nil)
	switch {
	case err == nil:
		if out.Wof.Provider != wofProviderFile {
			// Backed by some other provider (e.g. a WIM); report it as
			// compressed but without a recognised algorithm.
			return Backing{Backed: true}, nil
		}
		return Backing{Backed: true, Algorithm: Algorithm(out.File.Algorithm)}, nil
	case err == errObjectNotExternallyBacked:
		return Backing{}, nil
	case err == windows.ERROR_INVALID_FUNCTION || err == windows.ERROR_NOT_SUPPORTED:
		return Backing{}, ErrUnsupported
	default:
		return Backing{}, err
	}
}

func (a *wofAdapter) SetBacking(path string, alg Algorithm) error {
	md, err := a.Stat(path)
	if err != nil {
		return err
	}
	if md.Compressed() {
		return nil
	}

	h, err := openExclusive(path, windows.FILE_READ_DATA|windows.FILE_WRITE_ATTRIBUTES)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	var ctime, atime, wtime windows.Filetime
	if err := windows.GetFileTime(h, &ctime, &atime, &wtime); err != nil {
		return fmt.Errorf("capture times %s: %w", path, err)
	}

	in := struct {
		Wof  wofExternalInfo
		File fileProviderExternalInfoV1
	}{
		Wof:  wofExternalInfo{Version: wofCurrentVersion, Provider: wofProviderFile},
		File: fileProviderExternalInfoV1{Version: fileProviderCurrentVersion, Algorithm: uint32(alg)},
	}
	var ret uint32
	err = windows.DeviceIoControl(h, fsctlSetExternalBacking,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)),
		nil, 0, &ret, nil)
	if err != nil {
		return mapControlError(path, err)
	}

	a.restoreTimes(h, path, ctime, atime, wtime)
	return nil
}

func (a *wofAdapter) ClearBacking(path string) error {
	md, err := a.Stat(path)
	if err != nil {
		return err
	}
	if !md.Compressed() {
		return nil
	}

	h, err := openExclusive(path, windows.GENERIC_READ|windows.GENERIC_WRITE)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	var ctime, atime, wtime windows.Filetime
	if err := windows.GetFileTime(h, &ctime, &atime, &wtime); err != nil {
		return fmt.Errorf("capture times %s: %w", path, err)
	}

	var ret uint32
	err = windows.DeviceIoControl(h, fsctlDeleteExternalBacking,
		nil, 0, nil, 0, &ret, nil)
	if err != nil && err != errObjectNotExternallyBacked {
		return mapControlError(path, err)
	}

	a.restoreTimes(h, path, ctime, atime, wtime)
	return nil
}

// restoreTimes puts back the timestamps the control call clobbered.
// Failure downgrades to a warning: the backing change itself stuck.
func (a *wofAdapter) restoreTimes(h windows.Handle, path string, ctime, atime, wtime windows.Filetime) {
	if !a.preserveTimes {
		return
	}
	if err := windows.SetFileTime(h, &ctime, &atime, &wtime); err != nil {
		a.warn(path, fmt.Errorf("restore times: %w", err))
	}
}

// openExclusive opens path with no sharing. The handle is held only
// around the control call, never across probe reads.
func openExclusive(path string, access uint32) (windows.Handle, error) {
	p16, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	h, err := windows.CreateFile(p16, access, 0, nil,
		windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err == windows.ERROR_SHARING_VIOLATION {
		return 0, fmt.Errorf("open %s: %w", path, ErrLocked)
	}
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	return h, nil
}

func mapControlError(path string, err error) error {
	switch err {
	case windows.ERROR_INVALID_FUNCTION, windows.ERROR_NOT_SUPPORTED:
		return fmt.Errorf("%s: %w", path, ErrUnsupported)
	case errCompressionNotBeneficial:
		return fmt.Errorf("%s: %w", path, ErrNotBeneficial)
	default:
		return fmt.Errorf("backing control %s: %w", path, err)
	}
}
