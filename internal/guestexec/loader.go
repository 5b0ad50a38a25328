package guestexec

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// LoadResult describes a successfully loaded executable.
type LoadResult struct {
	Entry    uint64
	StackTop uint64
}

// LoadELF parses data as an ET_EXEC RV64 ELF image, maps every
// PT_LOAD segment into space at its p_vaddr, and reserves the guest
// stack. Segment bytes beyond p_filesz up to p_memsz (bss) are left
// zeroed, since MmapFixed's backing pages start zero-filled.
func LoadELF(data []byte, space *GuestSpace) (LoadResult, error) {
	ehdr, err := ParseEhdr(data)
	if err != nil {
		return LoadResult{}, err
	}
	if err := ehdr.Validate(); err != nil {
		return LoadResult{}, err
	}
	phdrs, err := ehdr.ProgramHeaders(data)
	if err != nil {
		return LoadResult{}, err
	}

	for i, ph := range phdrs {
		if ph.Type != PT_LOAD {
			continue
		}
		prot := elfProtToHost(ph.Flags)
		if err := space.MmapFixed(ph.Vaddr, int(ph.Memsz), prot); err != nil {
			return LoadResult{}, fmt.Errorf("guestexec: load segment %d: %w", i, err)
		}
		if ph.Filesz > 0 {
			end := ph.Offset + ph.Filesz
			if end > uint64(len(data)) {
				return LoadResult{}, fmt.Errorf("guestexec: segment %d file range out of bounds", i)
			}
			space.WriteBytes(ph.Vaddr, data[ph.Offset:end])
		}
	}

	stackLo := GuestStackTop - GuestStackSize
	if err := space.MmapFixed(stackLo, GuestStackSize, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return LoadResult{}, fmt.Errorf("guestexec: map stack: %w", err)
	}

	return LoadResult{Entry: ehdr.Entry, StackTop: GuestStackTop}, nil
}

func elfProtToHost(flags uint32) int {
	prot := 0
	if flags&PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}
