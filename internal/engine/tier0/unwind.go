package tier0

import "encoding/binary"

// Unwind operation codes, per the x64 exception-handling data conventions.
const (
	uwopPushNonvol = 0
	uwopAllocLarge = 1
	uwopAllocSmall = 2
	uwopSetFpreg   = 3
)

// Unwind info flags. Bits 0..2 are the standard handler flags; the funclet
// bit marks records that describe a handler funclet, which the unwinder
// associates with the parent frame instead of treating as a standalone
// function.
const (
	unwindFlagEHandler = 0x1
	unwindFlagFunclet  = 0x10
)

const (
	unwindVersion  = 1
	unwindFrameRBP = 5 // frame register field encoding for RBP
)

// unwindCode is one prolog operation entry.
type unwindCode struct {
	prologOffset byte
	opcode       byte
	opInfo       byte
}

// unwindInfo mirrors the serialised UNWIND_INFO layout: a four-byte header,
// then the code array, then any 32-bit allocation operands.
type unwindInfo struct {
	flags       byte
	prologSize  byte
	frameReg    byte
	frameOffset byte
	codes       []unwindCode
	// largeAlloc carries the scaled operand of a single UWOP_ALLOC_LARGE.
	largeAlloc uint32
	hasLarge   bool
}

// serialize encodes the structure in the on-disk layout the platform
// unwinder consumes.
func (u *unwindInfo) serialize() []byte {
	out := make([]byte, 0, 4+2*len(u.codes)+4)
	out = append(out,
		unwindVersion|u.flags<<3,
		u.prologSize,
		byte(len(u.codes)),
		u.frameReg|u.frameOffset<<4,
	)
	for _, code := range u.codes {
		out = append(out, code.prologOffset, code.opcode|code.opInfo<<4)
	}
	if u.hasLarge {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], u.largeAlloc)
		out = append(out, b[:]...)
	}
	return out
}

// buildParentUnwind describes the method prolog: push rbp; mov rbp, rsp;
// sub rsp, frameSize. Codes appear in reverse prolog order, as the unwinder
// replays them backwards.
func buildParentUnwind(frameSize int64) []byte {
	// push rbp (1 byte) + mov rbp,rsp (3 bytes) + sub rsp,imm (4 or 7 bytes).
	prologSize := byte(4)
	switch {
	case frameSize > 127:
		prologSize += 7
	case frameSize > 0:
		prologSize += 4
	}
	u := &unwindInfo{
		flags:      unwindFlagEHandler,
		prologSize: prologSize,
		frameReg:   unwindFrameRBP,
	}
	if frameSize > 0 {
		if frameSize <= 128 {
			u.codes = append(u.codes, unwindCode{prologOffset: prologSize, opcode: uwopAllocSmall, opInfo: byte((frameSize - 8) / 8)})
		} else {
			u.codes = append(u.codes, unwindCode{prologOffset: prologSize, opcode: uwopAllocLarge})
			u.largeAlloc = uint32(frameSize / 8)
			u.hasLarge = true
		}
	}
	u.codes = append(u.codes,
		unwindCode{prologOffset: 4, opcode: uwopSetFpreg},
		unwindCode{prologOffset: 1, opcode: uwopPushNonvol, opInfo: unwindFrameRBP},
	)
	return u.serialize()
}

// buildFuncletUnwind describes the minimal funclet prolog (push rbp; mov
// rbp, <arg>), flagged so the unwinder resolves the parent frame through the
// funclet's saved slot rather than walking it as its own function.
func buildFuncletUnwind() []byte {
	u := &unwindInfo{
		flags:      unwindFlagFunclet,
		prologSize: 4,
		frameReg:   unwindFrameRBP,
		codes: []unwindCode{
			{prologOffset: 1, opcode: uwopPushNonvol, opInfo: unwindFrameRBP},
		},
	}
	return u.serialize()
}
