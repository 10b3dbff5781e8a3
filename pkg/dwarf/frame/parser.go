// Package frame contains data structures and
// related functions for parsing and searching
// through Dwarf .debug_frame and .eh_frame data.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-delve/stackunwind/pkg/dwarf/leb128"
)

type parsefunc func(*parseContext) parsefunc

type parseContext struct {
	staticBase uint64

	buf      *bytes.Buffer
	totalLen int
	entries  FrameDescriptionEntries
	ciemap   map[int]*CommonInformationEntry
	common   *CommonInformationEntry
	frame    *FrameDescriptionEntry
	length   uint32
	ptrSize  int
	order    binary.ByteOrder

	ehFrameAddr uint64
	err         error
}

// ErrMalformed is wrapped by every error Parse returns for invalid input.
var ErrMalformed = errors.New("malformed call frame information")

// Parse takes in data (a byte slice) and returns FrameDescriptionEntries,
// which is a slice of FrameDescriptionEntry. Each FrameDescriptionEntry
// has a pointer to CommonInformationEntry.
// If ehFrameAddr is not zero the .eh_frame format will be used, a minor variant of .debug_frame,
// in which case ehFrameAddr must be the address of the section in the
// object file (before relocation by staticBase).
// The returned entries are sorted by address.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	var (
		buf  = bytes.NewBuffer(data)
		pctx = &parseContext{
			buf:         buf,
			totalLen:    len(data),
			entries:     newFrameIndex(),
			staticBase:  staticBase,
			ptrSize:     ptrSize,
			order:       order,
			ehFrameAddr: ehFrameAddr,
			ciemap:      map[int]*CommonInformationEntry{},
		}
	)

	for fn := parselength; buf.Len() != 0 && fn != nil; {
		fn = fn(pctx)
	}

	if pctx.err != nil {
		return nil, pctx.err
	}

	for i := range pctx.entries {
		pctx.entries[i].order = order
	}

	sort.SliceStable(pctx.entries, func(i, j int) bool {
		return pctx.entries[i].Begin() < pctx.entries[j].Begin()
	})

	return pctx.entries, nil
}

func (ctx *parseContext) parsingEHFrame() bool {
	return ctx.ehFrameAddr > 0
}

func (ctx *parseContext) cieEntry(cieid uint32) bool {
	if ctx.parsingEHFrame() {
		return cieid == 0x00
	}
	return cieid == 0xffffffff
}

func (ctx *parseContext) offset() int {
	return ctx.totalLen - ctx.buf.Len()
}

func (ctx *parseContext) fail(format string, args ...interface{}) parsefunc {
	ctx.err = fmt.Errorf("%w at offset %#x: %s", ErrMalformed, ctx.offset(), fmt.Sprintf(format, args...))
	return nil
}

func parselength(ctx *parseContext) parsefunc {
	start := ctx.offset()
	if ctx.buf.Len() < 4 {
		return ctx.fail("truncated entry length")
	}
	ctx.length = ctx.order.Uint32(ctx.buf.Next(4))

	if ctx.length == 0 {
		// ZERO terminator
		return parselength
	}
	if ctx.length == 0xffffffff {
		return ctx.fail("64-bit DWARF is not supported")
	}
	if int(ctx.length) > ctx.buf.Len() || ctx.length < 4 {
		return ctx.fail("entry length %#x exceeds section", ctx.length)
	}

	idOff := ctx.offset()
	cieid := ctx.order.Uint32(ctx.buf.Next(4))

	ctx.length -= 4 // take off the length of the CIE id / CIE pointer.

	if ctx.cieEntry(cieid) {
		ctx.common = &CommonInformationEntry{Length: ctx.length, staticBase: ctx.staticBase, CIE_id: cieid}
		ctx.ciemap[start] = ctx.common
		return parseCIE
	}

	ciePtr := int(cieid)
	if ctx.parsingEHFrame() {
		ciePtr = idOff - int(cieid)
	}
	common, ok := ctx.ciemap[ciePtr]
	if !ok {
		return ctx.fail("FDE refers to unknown CIE at %#x", ciePtr)
	}

	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, CIE: common}
	return parseFDE
}

func parseFDE(ctx *parseContext) parsefunc {
	startOff := ctx.offset()
	r := ctx.buf.Next(int(ctx.length))

	reader := bytes.NewReader(r)
	if ctx.parsingEHFrame() {
		begin, err := ctx.readEncodedPtr(ctx.ehFrameAddr+uint64(startOff), reader, ctx.frame.CIE.ptrEncAddr)
		if err != nil {
			return ctx.fail("FDE address: %v", err)
		}
		size, err := ctx.readEncodedPtr(0, reader, ctx.frame.CIE.ptrEncAddr&0x0f)
		if err != nil {
			return ctx.fail("FDE size: %v", err)
		}
		ctx.frame.begin = begin + ctx.staticBase
		ctx.frame.size = size

		if ctx.frame.CIE.Augmentation != "" && ctx.frame.CIE.Augmentation[0] == 'z' {
			n, _, err := leb128.DecodeUnsigned(reader)
			if err != nil {
				return ctx.fail("FDE augmentation length: %v", err)
			}
			if _, err := reader.Seek(int64(n), io.SeekCurrent); err != nil {
				return ctx.fail("FDE augmentation data: %v", err)
			}
		}
	} else {
		begin, err := readUintRaw(reader, ctx.order, ctx.ptrSize)
		if err != nil {
			return ctx.fail("FDE address: %v", err)
		}
		size, err := readUintRaw(reader, ctx.order, ctx.ptrSize)
		if err != nil {
			return ctx.fail("FDE size: %v", err)
		}
		ctx.frame.begin = begin + ctx.staticBase
		ctx.frame.size = size
	}

	// Entries for discarded code have their address zeroed by the linker.
	if ctx.frame.size != 0 && ctx.frame.begin != ctx.staticBase {
		ctx.entries = append(ctx.entries, ctx.frame)
	}

	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	off, _ := reader.Seek(0, io.SeekCurrent)
	ctx.frame.Instructions = r[off:]
	ctx.length = 0

	return parselength
}

func parseCIE(ctx *parseContext) parsefunc {
	data := ctx.buf.Next(int(ctx.length))
	buf := bytes.NewBuffer(data)

	var err error
	// parse version
	ctx.common.Version, err = buf.ReadByte()
	if err != nil {
		return ctx.fail("CIE version: %v", err)
	}

	// parse augmentation
	ctx.common.Augmentation, err = parseString(buf)
	if err != nil {
		return ctx.fail("CIE augmentation: %v", err)
	}

	if ctx.common.Version >= 4 && !ctx.parsingEHFrame() {
		// address_size and segment_selector_size
		if buf.Len() < 2 {
			return ctx.fail("truncated CIE")
		}
		buf.Next(2)
	}

	// parse code alignment factor
	ctx.common.CodeAlignmentFactor, _, err = leb128.DecodeUnsigned(buf)
	if err != nil {
		return ctx.fail("CIE code alignment: %v", err)
	}

	// parse data alignment factor
	ctx.common.DataAlignmentFactor, _, err = leb128.DecodeSigned(buf)
	if err != nil {
		return ctx.fail("CIE data alignment: %v", err)
	}

	// parse return address register
	if ctx.parsingEHFrame() && ctx.common.Version == 1 {
		b, err := buf.ReadByte()
		if err != nil {
			return ctx.fail("CIE return address register: %v", err)
		}
		ctx.common.ReturnAddressRegister = uint64(b)
	} else {
		ctx.common.ReturnAddressRegister, _, err = leb128.DecodeUnsigned(buf)
		if err != nil {
			return ctx.fail("CIE return address register: %v", err)
		}
	}

	ctx.common.ptrEncAddr = ptrEncAbs

	if ctx.parsingEHFrame() && len(ctx.common.Augmentation) > 0 {
		if ctx.common.Augmentation[0] != 'z' {
			return ctx.fail("unsupported augmentation %q", ctx.common.Augmentation)
		}
		if _, _, err := leb128.DecodeUnsigned(buf); err != nil { // augmentation data length
			return ctx.fail("CIE augmentation length: %v", err)
		}
		for i := 1; i < len(ctx.common.Augmentation); i++ {
			switch ctx.common.Augmentation[i] {
			case 'L':
				// LSDA encoding, the pointer itself is in the FDE augmentation data.
				if _, err := buf.ReadByte(); err != nil {
					return ctx.fail("CIE LSDA encoding: %v", err)
				}
			case 'R':
				b, err := buf.ReadByte()
				if err != nil {
					return ctx.fail("CIE pointer encoding: %v", err)
				}
				ctx.common.ptrEncAddr = ptrEnc(b)
				if !ctx.common.ptrEncAddr.Supported() {
					return ctx.fail("pointer encoding not supported %#x", ctx.common.ptrEncAddr)
				}
			case 'P':
				b, err := buf.ReadByte()
				if err != nil {
					return ctx.fail("CIE personality encoding: %v", err)
				}
				e := ptrEnc(b) &^ ptrEncIndirect
				if !e.Supported() {
					return ctx.fail("personality pointer encoding not supported %#x", e)
				}
				if _, err := ctx.readEncodedPtr(0, buf, e); err != nil {
					return ctx.fail("CIE personality routine: %v", err)
				}
			case 'S':
				ctx.common.SignalFrame = true
			case 'B':
				// aarch64 BTI, no data
			default:
				return ctx.fail("unsupported augmentation %q", ctx.common.Augmentation)
			}
		}
	}

	// parse initial instructions
	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	ctx.common.InitialInstructions = buf.Bytes()
	ctx.length = 0

	return parselength
}

// readEncodedPtr reads a pointer from buf encoded as specified by ptrEnc.
// This function is used to read pointers from a .eh_frame section, when
// used to parse a .debug_frame section ptrEnc will always be ptrEncAbs.
// The parameter addr is the address that the current byte of 'buf' will be
// mapped to when the executable file containing the eh_frame section being
// parse is loaded in memory.
func (ctx *parseContext) readEncodedPtr(addr uint64, buf leb128.Reader, ptrEnc ptrEnc) (uint64, error) {
	if ptrEnc == ptrEncOmit {
		return 0, nil
	}

	var ptr uint64
	var err error

	switch ptrEnc & 0xf {
	case ptrEncAbs, ptrEncSigned:
		ptr, err = readUintRaw(buf, ctx.order, ctx.ptrSize)
	case ptrEncUleb:
		ptr, _, err = leb128.DecodeUnsigned(buf)
	case ptrEncUdata2:
		ptr, err = readUintRaw(buf, ctx.order, 2)
	case ptrEncSdata2:
		ptr, err = readUintRaw(buf, ctx.order, 2)
		ptr = uint64(int16(ptr))
	case ptrEncUdata4:
		ptr, err = readUintRaw(buf, ctx.order, 4)
	case ptrEncSdata4:
		ptr, err = readUintRaw(buf, ctx.order, 4)
		ptr = uint64(int32(ptr))
	case ptrEncUdata8, ptrEncSdata8:
		ptr, err = readUintRaw(buf, ctx.order, 8)
	case ptrEncSleb:
		var n int64
		n, _, err = leb128.DecodeSigned(buf)
		ptr = uint64(n)
	default:
		return 0, fmt.Errorf("unsupported pointer encoding %#x", ptrEnc)
	}
	if err != nil {
		return 0, err
	}

	if ptrEnc&0xf0 == ptrEncPCRel {
		ptr += addr
	}

	return ptr, nil
}

// readUintRaw reads an integer of ptrSize bytes, with the specified byte order, from reader.
func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 2:
		var n uint16
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("pointer size %d not supported", ptrSize)
}

// parseString reads a null-terminated string from buf.
func parseString(buf *bytes.Buffer) (string, error) {
	str, err := buf.ReadString(0x0)
	if err != nil {
		return "", err
	}
	return str[:len(str)-1], nil
}

// DwarfEndian determines the endianness of the DWARF by using the version number field in the debug_info section
// Trick borrowed from "debug/dwarf".New()
func DwarfEndian(infoSec []byte) binary.ByteOrder {
	if len(infoSec) < 6 {
		return binary.BigEndian
	}
	x, y := infoSec[4], infoSec[5]
	switch {
	case x == 0 && y == 0:
		return binary.BigEndian
	case x == 0:
		return binary.BigEndian
	case y == 0:
		return binary.LittleEndian
	default:
		return binary.BigEndian
	}
}
