package guestexec

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/tcg-go/tcg/pkg/hostasm/x86_64"
)

func encAddi(imm int32, rs1, rd uint32) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1<<15 | rd<<7 | 0x13
}

func encLui(imm uint32, rd uint32) uint32 {
	return (imm & 0xfffff000) | rd<<7 | 0x37
}

const encEcall = 0x00000073

// buildHelloELF assembles a tiny hand-written RV64I static executable
// that writes msg to stdout via a raw write(2) syscall, then exits 0 —
// everything a libc-free "Hello, World!" needs, with no dependency on
// a RISC-V toolchain to produce it.
func buildHelloELF(msg string) []byte {
	const (
		vaddr    = uint64(0x10000)
		msgOff   = 0x40 // byte offset of the message within the segment
		a0, a1, a2, a7 = 10, 11, 12, 17
	)
	msgAddr := vaddr + msgOff

	var code []uint32
	code = append(code, encAddi(1, 0, a0)) // li a0, 1 (fd = stdout)
	code = append(code, encLui(uint32(msgAddr&0xfffff000), a1))
	code = append(code, encAddi(int32(msgAddr&0xfff), a1, a1))
	code = append(code, encAddi(int32(len(msg)), 0, a2))
	code = append(code, encAddi(64, 0, a7)) // sys_write
	code = append(code, encEcall)
	code = append(code, encAddi(0, 0, a0)) // exit code 0
	code = append(code, encAddi(93, 0, a7)) // sys_exit
	code = append(code, encEcall)

	segment := make([]byte, msgOff+len(msg))
	for i, insn := range code {
		binary.LittleEndian.PutUint32(segment[i*4:], insn)
	}
	copy(segment[msgOff:], msg)

	const ehdrLen = ehdrSize
	const phdrLen = phdrSize
	fileOff := uint64(ehdrLen + phdrLen)

	var buf bytes.Buffer
	ehdr := make([]byte, ehdrLen)
	ehdr[0], ehdr[1], ehdr[2], ehdr[3] = 0x7f, 'E', 'L', 'F'
	ehdr[4] = elfClass64
	ehdr[5] = elfData2LSB
	ehdr[6] = evCurrent
	binary.LittleEndian.PutUint16(ehdr[16:18], ET_EXEC)
	binary.LittleEndian.PutUint16(ehdr[18:20], EM_RISCV)
	binary.LittleEndian.PutUint32(ehdr[20:24], evCurrent)
	binary.LittleEndian.PutUint64(ehdr[24:32], vaddr) // e_entry
	binary.LittleEndian.PutUint64(ehdr[32:40], ehdrLen)
	binary.LittleEndian.PutUint16(ehdr[52:54], ehdrLen)
	binary.LittleEndian.PutUint16(ehdr[54:56], phdrLen)
	binary.LittleEndian.PutUint16(ehdr[56:58], 1) // e_phnum
	buf.Write(ehdr)

	phdr := make([]byte, phdrLen)
	binary.LittleEndian.PutUint32(phdr[0:4], PT_LOAD)
	binary.LittleEndian.PutUint32(phdr[4:8], PF_R|PF_X)
	binary.LittleEndian.PutUint64(phdr[8:16], fileOff)
	binary.LittleEndian.PutUint64(phdr[16:24], vaddr)
	binary.LittleEndian.PutUint64(phdr[32:40], uint64(len(segment)))
	binary.LittleEndian.PutUint64(phdr[40:48], uint64(len(segment)))
	buf.Write(phdr)

	buf.Write(segment)
	return buf.Bytes()
}

func TestDriverRunsHelloWorld(t *testing.T) {
	elf := buildHelloELF("hi\n")

	space, err := NewGuestSpace()
	if err != nil {
		t.Fatalf("NewGuestSpace() error: %v", err)
	}
	t.Cleanup(func() { space.Close() })

	driver, err := NewDriver(x86_64.New(), space)
	if err != nil {
		t.Fatalf("NewDriver() error: %v", err)
	}
	t.Cleanup(func() { driver.Close() })

	stdout, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error: %v", err)
	}
	origStdout := os.Stdout
	os.Stdout = w
	code, runErr := driver.Run(elf)
	w.Close()
	os.Stdout = origStdout
	if runErr != nil {
		t.Fatalf("Run() error: %v", runErr)
	}
	if code != 0 {
		t.Fatalf("Run() exit code = %d, want 0", code)
	}

	got, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("read pipe: %v", err)
	}
	if string(got) != "hi\n" {
		t.Fatalf("stdout = %q, want %q", got, "hi\n")
	}
}
