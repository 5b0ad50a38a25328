// Package irdump implements the TCIR debug dump: a binary file format
// recording one or more translated blocks' post-liveness IR (temp pool
// and op stream) for offline inspection. It exists purely as a
// debugging aid — nothing in the translate/execute path reads these
// files back.
package irdump

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/tcg-go/tcg/pkg/ir"
	"github.com/tcg-go/tcg/pkg/opcode"
	"github.com/tcg-go/tcg/pkg/temp"
	"github.com/tcg-go/tcg/pkg/types"
)

// Magic identifies a TCIR dump file.
var Magic = [4]byte{'T', 'C', 'I', 'R'}

// Version is the current wire format version.
const Version uint32 = 1

// Block is one translation block's dumped IR: its lookup key plus the
// temp pool and op stream captured from an *ir.Context after liveness
// analysis has run.
type Block struct {
	PC    uint64
	Flags uint32
	Temps []temp.Temp
	Ops   []ir.Op
}

// FromContext captures ctx's current temp pool and op list into a Block
// keyed by (pc, flags). Call after liveness.Analyze so Life fields are
// populated.
func FromContext(ctx *ir.Context, pc uint64, flags uint32) Block {
	temps := ctx.Temps()
	ops := ctx.Ops()
	b := Block{
		PC:    pc,
		Flags: flags,
		Temps: make([]temp.Temp, len(temps)),
		Ops:   make([]ir.Op, len(ops)),
	}
	copy(b.Temps, temps)
	copy(b.Ops, ops)
	return b
}

// WriteFile creates path and writes blocks to it in TCIR format.
func WriteFile(path string, blocks []Block) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("irdump: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := Write(w, blocks); err != nil {
		return err
	}
	return w.Flush()
}

// Write encodes blocks in TCIR format to w: magic, version, block
// count, then per block the (pc, flags) header, temp table, and op
// stream.
func Write(w io.Writer, blocks []Block) error {
	if _, err := w.Write(Magic[:]); err != nil {
		return fmt.Errorf("irdump: write magic: %w", err)
	}
	if err := writeU32(w, Version); err != nil {
		return fmt.Errorf("irdump: write version: %w", err)
	}
	if err := writeU32(w, uint32(len(blocks))); err != nil {
		return fmt.Errorf("irdump: write block count: %w", err)
	}
	for i := range blocks {
		if err := writeBlock(w, &blocks[i]); err != nil {
			return fmt.Errorf("irdump: write block %d: %w", i, err)
		}
	}
	return nil
}

func writeBlock(w io.Writer, b *Block) error {
	if err := writeU64(w, b.PC); err != nil {
		return err
	}
	if err := writeU32(w, b.Flags); err != nil {
		return err
	}

	if err := writeU32(w, uint32(len(b.Temps))); err != nil {
		return err
	}
	for i := range b.Temps {
		if err := writeTemp(w, &b.Temps[i]); err != nil {
			return fmt.Errorf("temp %d: %w", i, err)
		}
	}

	if err := writeU32(w, uint32(len(b.Ops))); err != nil {
		return err
	}
	for i := range b.Ops {
		if err := writeOp(w, &b.Ops[i]); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

func writeTemp(w io.Writer, t *temp.Temp) error {
	fields := []interface{}{
		uint32(t.Idx),
		uint8(t.Ty),
		uint8(t.BaseType),
		uint8(t.Kind),
		uint8(t.ValType),
		t.Reg,
		boolByte(t.HasReg),
		t.Val,
		uint32(t.MemBase),
		boolByte(t.HasBase),
		t.MemOffset,
		t.MemSlot,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return writeString(w, t.Name)
}

func writeOp(w io.Writer, o *ir.Op) error {
	fields := []interface{}{
		uint32(o.Idx),
		uint16(o.Opc),
		uint8(o.OpType),
		o.Param1,
		o.Param2,
		uint32(o.Life),
		o.NArgs,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	for i := 0; i < int(o.NArgs); i++ {
		if err := writeU32(w, uint32(o.Args[i])); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile opens path and decodes its TCIR-format blocks.
func ReadFile(path string) ([]Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("irdump: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}

// Read decodes TCIR-format blocks from r, verifying the magic and
// version.
func Read(r io.Reader) ([]Block, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("irdump: read magic: %w", err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("irdump: bad magic %q, want %q", magic, Magic)
	}

	version, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("irdump: read version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("irdump: unsupported version %d", version)
	}

	count, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("irdump: read block count: %w", err)
	}

	blocks := make([]Block, count)
	for i := range blocks {
		if err := readBlock(r, &blocks[i]); err != nil {
			return nil, fmt.Errorf("irdump: read block %d: %w", i, err)
		}
	}
	return blocks, nil
}

func readBlock(r io.Reader, b *Block) error {
	pc, err := readU64(r)
	if err != nil {
		return err
	}
	flags, err := readU32(r)
	if err != nil {
		return err
	}
	b.PC, b.Flags = pc, flags

	nTemps, err := readU32(r)
	if err != nil {
		return err
	}
	b.Temps = make([]temp.Temp, nTemps)
	for i := range b.Temps {
		if err := readTemp(r, &b.Temps[i]); err != nil {
			return fmt.Errorf("temp %d: %w", i, err)
		}
	}

	nOps, err := readU32(r)
	if err != nil {
		return err
	}
	b.Ops = make([]ir.Op, nOps)
	for i := range b.Ops {
		if err := readOp(r, &b.Ops[i]); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

func readTemp(r io.Reader, t *temp.Temp) error {
	var idx, memBase uint32
	var ty, baseType, kind, valType uint8
	var reg uint8
	var hasReg, hasBase uint8
	var val uint64
	var memOffset, memSlot int64

	fields := []interface{}{
		&idx, &ty, &baseType, &kind, &valType, &reg, &hasReg,
		&val, &memBase, &hasBase, &memOffset, &memSlot,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	name, err := readString(r)
	if err != nil {
		return err
	}

	*t = temp.Temp{
		Idx:       temp.Idx(idx),
		Ty:        types.Type(ty),
		BaseType:  types.Type(baseType),
		Kind:      temp.Kind(kind),
		ValType:   temp.Val(valType),
		Reg:       reg,
		HasReg:    hasReg != 0,
		Val:       val,
		MemBase:   temp.Idx(memBase),
		HasBase:   hasBase != 0,
		MemOffset: memOffset,
		MemSlot:   memSlot,
		Name:      name,
	}
	return nil
}

func readOp(r io.Reader, o *ir.Op) error {
	var idx uint32
	var opc uint16
	var opType uint8
	var param1, param2 uint8
	var life uint32
	var nArgs uint8

	fields := []interface{}{&idx, &opc, &opType, &param1, &param2, &life, &nArgs}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}

	o.Idx = ir.OpIdx(idx)
	o.Opc = opcode.Opcode(opc)
	o.OpType = types.Type(opType)
	o.Param1, o.Param2 = param1, param2
	o.Life = ir.LifeData(life)
	o.NArgs = nArgs

	for i := 0; i < int(nArgs); i++ {
		v, err := readU32(r)
		if err != nil {
			return err
		}
		o.Args[i] = temp.Idx(v)
	}
	return nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func writeU32(w io.Writer, v uint32) error { return binary.Write(w, binary.LittleEndian, v) }
func writeU64(w io.Writer, v uint64) error { return binary.Write(w, binary.LittleEndian, v) }

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
