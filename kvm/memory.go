package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// OpenDevice opens /dev/kvm and checks the API version, as every
// vmm.VmmOps implementation must before creating a VM.
func OpenDevice(path string) (uintptr, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return 0, err
	}

	version, err := GetAPIVersion(uintptr(fd))
	if err != nil {
		unix.Close(fd)

		return 0, err
	}

	const expectedAPIVersion = 12
	if version != expectedAPIVersion {
		unix.Close(fd)

		return 0, ErrUnexpectedExitReason
	}

	return uintptr(fd), nil
}

// MmapRun maps the kvm_run shared-memory structure for a vcpu.
func MmapRun(vcpuFd uintptr, size int) (*RunData, []byte, error) {
	data, err := unix.Mmap(int(vcpuFd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}

	return (*RunData)(unsafe.Pointer(&data[0])), data, nil
}

// MmapGuestMemory allocates an anonymous, zeroed region to back guest
// physical memory; its address is what UserspaceMemoryRegion.UserspaceAddr
// points KVM at.
func MmapGuestMemory(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
}

type translation struct {
	LinearAddress uint64
	PhysicalAddr  uint64
	Valid         uint8
	Writable      uint8
	Usermode      uint8
	_             [5]uint8
}

// TranslateVirtual asks KVM to walk the guest's own page tables to
// resolve a guest-virtual address to a guest-physical one. The Swint
// handler in package vm does not call it: it reads the INTn opcode at
// CS.base+RIP in the flat guest-memory slab directly.
func TranslateVirtual(vcpuFd uintptr, la uint64) (gpa uint64, valid bool, err error) {
	t := translation{LinearAddress: la}
	_, err = ioctl(vcpuFd, kvmTranslate, uintptr(unsafe.Pointer(&t)))
	if err != nil {
		return 0, false, err
	}

	return t.PhysicalAddr, t.Valid == 1, nil
}
