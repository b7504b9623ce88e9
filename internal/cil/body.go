package cil

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformedBody = errors.New("malformed method body")

// Method header flags. ECMA-335 II.25.4.
const (
	headerTiny = 0x2
	headerFat  = 0x3

	fatFlagMoreSects  = 0x8
	fatFlagInitLocals = 0x10
)

// EH section kind byte. ECMA-335 II.25.4.5.
const (
	sectEHTable   = 0x1
	sectFatFormat = 0x40
	sectMoreSects = 0x80
)

// ClauseKind is the flags field of an EH clause.
type ClauseKind uint32

const (
	ClauseCatch   ClauseKind = 0x0
	ClauseFilter  ClauseKind = 0x1
	ClauseFinally ClauseKind = 0x2
	ClauseFault   ClauseKind = 0x4
)

func (k ClauseKind) String() string {
	switch k {
	case ClauseCatch:
		return "catch"
	case ClauseFilter:
		return "filter"
	case ClauseFinally:
		return "finally"
	case ClauseFault:
		return "fault"
	}
	return fmt.Sprintf("clause(%d)", uint32(k))
}

// Clause is one protected-region annotation in IL offsets.
type Clause struct {
	Kind          ClauseKind
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32
	// ClassToken is the exception type token for Catch clauses.
	ClassToken uint32
	// FilterOffset is the IL offset of the filter expression for Filter
	// clauses; the filter body runs from FilterOffset to HandlerOffset.
	FilterOffset uint32
}

// TryEnd returns the exclusive IL end offset of the protected range.
func (c *Clause) TryEnd() uint32 { return c.TryOffset + c.TryLength }

// HandlerEnd returns the exclusive IL end offset of the handler range.
func (c *Clause) HandlerEnd() uint32 { return c.HandlerOffset + c.HandlerLength }

// Covers reports whether the protected range contains the IL offset.
func (c *Clause) Covers(ilOffset uint32) bool {
	return c.TryOffset <= ilOffset && ilOffset < c.TryEnd()
}

// InHandler reports whether the handler range (or filter range, for filter
// clauses) contains the IL offset.
func (c *Clause) InHandler(ilOffset uint32) bool {
	if c.Kind == ClauseFilter && c.FilterOffset <= ilOffset && ilOffset < c.HandlerOffset {
		return true
	}
	return c.HandlerOffset <= ilOffset && ilOffset < c.HandlerEnd()
}

// Body is a decoded ECMA-335 method body.
type Body struct {
	MaxStack         uint16
	InitLocals       bool
	LocalVarSigToken uint32
	Code             []byte
	Clauses          []Clause
}

// DecodeBody decodes a tiny- or fat-format method body.
func DecodeBody(b []byte) (*Body, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedBody)
	}

	switch b[0] & 0x3 {
	case headerTiny:
		size := int(b[0] >> 2)
		if len(b) < 1+size {
			return nil, fmt.Errorf("%w: tiny body truncated (%d of %d code bytes)", ErrMalformedBody, len(b)-1, size)
		}
		// Tiny bodies have no locals, no EH and an implicit max-stack of 8.
		return &Body{MaxStack: 8, Code: b[1 : 1+size]}, nil
	case headerFat:
	default:
		return nil, fmt.Errorf("%w: invalid header kind 0x%x", ErrMalformedBody, b[0]&0x3)
	}

	if len(b) < 12 {
		return nil, fmt.Errorf("%w: fat header truncated", ErrMalformedBody)
	}
	flags := binary.LittleEndian.Uint16(b)
	headerSize := int(flags>>12) * 4
	if headerSize < 12 {
		return nil, fmt.Errorf("%w: fat header size %d", ErrMalformedBody, headerSize)
	}
	body := &Body{
		MaxStack:         binary.LittleEndian.Uint16(b[2:]),
		InitLocals:       flags&fatFlagInitLocals != 0,
		LocalVarSigToken: binary.LittleEndian.Uint32(b[8:]),
	}
	codeSize := binary.LittleEndian.Uint32(b[4:])
	codeEnd := headerSize + int(codeSize)
	if len(b) < codeEnd {
		return nil, fmt.Errorf("%w: code truncated (%d of %d bytes)", ErrMalformedBody, len(b)-headerSize, codeSize)
	}
	body.Code = b[headerSize:codeEnd]

	if flags&fatFlagMoreSects == 0 {
		return body, nil
	}

	// EH sections follow the code, aligned on 4 bytes.
	off := (codeEnd + 3) &^ 3
	for {
		if len(b) < off+4 {
			return nil, fmt.Errorf("%w: section header truncated", ErrMalformedBody)
		}
		kind := b[off]
		if kind&sectEHTable == 0 {
			return nil, fmt.Errorf("%w: unknown section kind 0x%x", ErrMalformedBody, kind)
		}
		var next int
		if kind&sectFatFormat != 0 {
			dataSize := int(b[off+1]) | int(b[off+2])<<8 | int(b[off+3])<<16
			n := (dataSize - 4) / 24
			if len(b) < off+4+24*n {
				return nil, fmt.Errorf("%w: fat EH section truncated", ErrMalformedBody)
			}
			for i := 0; i < n; i++ {
				c := b[off+4+24*i:]
				body.Clauses = append(body.Clauses, decodeFatClause(c))
			}
			next = off + dataSize
		} else {
			dataSize := int(b[off+1])
			n := (dataSize - 4) / 12
			if len(b) < off+4+12*n {
				return nil, fmt.Errorf("%w: small EH section truncated", ErrMalformedBody)
			}
			for i := 0; i < n; i++ {
				c := b[off+4+12*i:]
				body.Clauses = append(body.Clauses, decodeSmallClause(c))
			}
			next = off + dataSize
		}
		if kind&sectMoreSects == 0 {
			break
		}
		off = (next + 3) &^ 3
	}
	return body, nil
}

func decodeSmallClause(c []byte) Clause {
	cl := Clause{
		Kind:          ClauseKind(binary.LittleEndian.Uint16(c)),
		TryOffset:     uint32(binary.LittleEndian.Uint16(c[2:])),
		TryLength:     uint32(c[4]),
		HandlerOffset: uint32(binary.LittleEndian.Uint16(c[5:])),
		HandlerLength: uint32(c[7]),
	}
	setClauseToken(&cl, binary.LittleEndian.Uint32(c[8:]))
	return cl
}

func decodeFatClause(c []byte) Clause {
	cl := Clause{
		Kind:          ClauseKind(binary.LittleEndian.Uint32(c)),
		TryOffset:     binary.LittleEndian.Uint32(c[4:]),
		TryLength:     binary.LittleEndian.Uint32(c[8:]),
		HandlerOffset: binary.LittleEndian.Uint32(c[12:]),
		HandlerLength: binary.LittleEndian.Uint32(c[16:]),
	}
	setClauseToken(&cl, binary.LittleEndian.Uint32(c[20:]))
	return cl
}

func setClauseToken(cl *Clause, tok uint32) {
	// The last clause word is a type token for typed catches and the filter
	// start offset for filter clauses; finally/fault leave it unused.
	switch cl.Kind {
	case ClauseCatch:
		cl.ClassToken = tok
	case ClauseFilter:
		cl.FilterOffset = tok
	}
}
