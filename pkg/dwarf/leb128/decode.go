package leb128

import (
	"errors"
	"io"
)

// Reader is a io.ByteReader with a Len method. This interface is
// satisfied by both bytes.Buffer and bytes.Reader.
type Reader interface {
	io.ByteReader
	io.Reader
	Len() int
}

// ErrOverflow is returned when an encoded value does not fit in 64 bits.
var ErrOverflow = errors.New("leb128: value overflows 64 bits")

// DecodeUnsigned decodes an unsigned Little Endian Base 128
// represented number. It returns the value and the number of bytes
// consumed. A truncated encoding returns io.ErrUnexpectedEOF.
func DecodeUnsigned(buf Reader) (uint64, uint32, error) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	for {
		b, err := buf.ReadByte()
		if err != nil {
			return 0, length, io.ErrUnexpectedEOF
		}
		length++

		if shift >= 64 {
			if b&0x7f != 0 {
				return 0, length, ErrOverflow
			}
		} else {
			result |= uint64(b&0x7f) << shift
		}

		if b&0x80 == 0 {
			break
		}

		shift += 7
	}

	return result, length, nil
}

// DecodeSigned decodes a signed Little Endian Base 128
// represented number.
func DecodeSigned(buf Reader) (int64, uint32, error) {
	var (
		b      byte
		err    error
		result int64
		shift  uint64
		length uint32
	)

	for {
		b, err = buf.ReadByte()
		if err != nil {
			return 0, length, io.ErrUnexpectedEOF
		}
		length++

		if shift < 64 {
			result |= (int64(b) & 0x7f) << shift
		} else if b&0x7f != 0 && b&0x7f != 0x7f {
			return 0, length, ErrOverflow
		}
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	if shift < 64 && b&0x40 != 0 {
		result |= -(1 << shift)
	}

	return result, length, nil
}
