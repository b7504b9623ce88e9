package cil

import (
	"encoding/binary"
	"fmt"
)

// Reader walks an IL byte stream one instruction at a time.
type Reader struct {
	code []byte
	pc   int
}

func NewReader(code []byte) *Reader {
	return &Reader{code: code}
}

// Offset returns the IL offset of the next byte to be read.
func (r *Reader) Offset() uint32 { return uint32(r.pc) }

// More reports whether any bytes remain.
func (r *Reader) More() bool { return r.pc < len(r.code) }

// SeekTo repositions the reader at the given IL offset.
func (r *Reader) SeekTo(off uint32) { r.pc = int(off) }

// ReadOpcode reads the next opcode, including the 0xFE prefix form.
func (r *Reader) ReadOpcode() (Opcode, error) {
	b, err := r.byteAt()
	if err != nil {
		return 0, err
	}
	if b != 0xfe {
		return Opcode(b), nil
	}
	second, err := r.byteAt()
	if err != nil {
		return 0, err
	}
	return 0xfe00 | Opcode(second), nil
}

func (r *Reader) byteAt() (byte, error) {
	if r.pc >= len(r.code) {
		return 0, fmt.Errorf("%w: IL truncated at offset %d", ErrMalformedBody, r.pc)
	}
	b := r.code[r.pc]
	r.pc++
	return b, nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.pc+n > len(r.code) {
		return nil, fmt.Errorf("%w: operand truncated at offset %d", ErrMalformedBody, r.pc)
	}
	b := r.code[r.pc : r.pc+n]
	r.pc += n
	return b, nil
}

func (r *Reader) Int8() (int8, error) {
	b, err := r.byteAt()
	return int8(b), err
}

func (r *Reader) Uint8() (uint8, error) {
	return r.byteAt()
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) Int32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) Int64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (r *Reader) Token() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// BranchTarget reads an 8- or 32-bit relative branch operand and returns the
// absolute IL target offset (relative to the end of the operand).
func (r *Reader) BranchTarget(short bool) (uint32, error) {
	var rel int32
	if short {
		v, err := r.Int8()
		if err != nil {
			return 0, err
		}
		rel = int32(v)
	} else {
		v, err := r.Int32()
		if err != nil {
			return 0, err
		}
		rel = v
	}
	target := int64(r.pc) + int64(rel)
	if target < 0 || target > int64(len(r.code)) {
		return 0, fmt.Errorf("%w: branch target %d out of range", ErrMalformedBody, target)
	}
	return uint32(target), nil
}

// SkipOperand advances past the inline operand of op (including switch
// tables), for prepass scans that do not interpret operands.
func (r *Reader) SkipOperand(op Opcode) error {
	kind := OperandKindOf(op)
	if kind == OperandSwitch {
		n, err := r.Int32()
		if err != nil {
			return err
		}
		_, err = r.take(4 * int(n))
		return err
	}
	_, err := r.take(kind.Size())
	return err
}
