package guestexec

import (
	"encoding/binary"
	"testing"
)

func makeValidEhdr() []byte {
	buf := make([]byte, ehdrSize)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = elfClass64
	buf[5] = elfData2LSB
	buf[6] = evCurrent
	binary.LittleEndian.PutUint16(buf[16:18], ET_EXEC)
	binary.LittleEndian.PutUint16(buf[18:20], EM_RISCV)
	binary.LittleEndian.PutUint32(buf[20:24], evCurrent)
	binary.LittleEndian.PutUint16(buf[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:56], phdrSize)
	return buf
}

func TestParseValidEhdr(t *testing.T) {
	buf := makeValidEhdr()
	ehdr, err := ParseEhdr(buf)
	if err != nil {
		t.Fatalf("ParseEhdr() error: %v", err)
	}
	if err := ehdr.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if ehdr.Machine != EM_RISCV || ehdr.Type != ET_EXEC {
		t.Fatalf("ehdr = %+v", ehdr)
	}
}

func TestParseTooSmall(t *testing.T) {
	if _, err := ParseEhdr(make([]byte, 4)); err != ErrTooSmall {
		t.Fatalf("ParseEhdr(tiny) err = %v, want ErrTooSmall", err)
	}
}

func TestParseInvalidMagic(t *testing.T) {
	buf := makeValidEhdr()
	buf[0] = 0
	if _, err := ParseEhdr(buf); err != ErrInvalidMagic {
		t.Fatalf("ParseEhdr(bad magic) err = %v, want ErrInvalidMagic", err)
	}
}

func TestParseWrongClass(t *testing.T) {
	buf := makeValidEhdr()
	buf[4] = 1 // ELFCLASS32
	if _, err := ParseEhdr(buf); err != ErrUnsupportedClass {
		t.Fatalf("ParseEhdr(wrong class) err = %v, want ErrUnsupportedClass", err)
	}
}

func TestValidateWrongMachine(t *testing.T) {
	buf := makeValidEhdr()
	binary.LittleEndian.PutUint16(buf[18:20], 0x3e) // EM_X86_64
	ehdr, err := ParseEhdr(buf)
	if err != nil {
		t.Fatalf("ParseEhdr() error: %v", err)
	}
	if err := ehdr.Validate(); err != ErrUnsupportedMachine {
		t.Fatalf("Validate() err = %v, want ErrUnsupportedMachine", err)
	}
}

func TestProgramHeaders(t *testing.T) {
	buf := makeValidEhdr()
	binary.LittleEndian.PutUint64(buf[32:40], uint64(ehdrSize)) // e_phoff
	binary.LittleEndian.PutUint16(buf[56:58], 1)                // e_phnum

	buf = append(buf, make([]byte, phdrSize)...)
	binary.LittleEndian.PutUint32(buf[ehdrSize:ehdrSize+4], PT_LOAD)

	ehdr, err := ParseEhdr(buf)
	if err != nil {
		t.Fatalf("ParseEhdr() error: %v", err)
	}
	phdrs, err := ehdr.ProgramHeaders(buf)
	if err != nil {
		t.Fatalf("ProgramHeaders() error: %v", err)
	}
	if len(phdrs) != 1 || phdrs[0].Type != PT_LOAD {
		t.Fatalf("phdrs = %+v", phdrs)
	}
}
