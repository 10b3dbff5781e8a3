package leb128

import (
	"bytes"
	"testing"
)

func TestEncodeUnsigned(t *testing.T) {
	tc := []uint64{0x00, 0x7f, 0x80, 0x8f, 0xffff, 0xfffffff7, 0xffffffffffffffff}
	for i := range tc {
		var buf bytes.Buffer
		EncodeUnsigned(&buf, tc[i])
		enc := append([]byte{}, buf.Bytes()...)
		buf.Write([]byte{0x1, 0x2, 0x3})
		out, c, err := DecodeUnsigned(&buf)
		if err != nil {
			t.Fatalf("input %x: %v", tc[i], err)
		}
		if c != uint32(len(enc)) {
			t.Errorf("input %x: wrong length %d, encoded %x", tc[i], c, enc)
		}
		if out != tc[i] {
			t.Errorf("input %x: wrong output %x, encoded %x", tc[i], out, enc)
		}
	}
}

func TestEncodeSigned(t *testing.T) {
	tc := []int64{2, -2, 127, -127, 128, -128, 129, -129, -8, 1 << 40, -(1 << 40)}
	for i := range tc {
		var buf bytes.Buffer
		EncodeSigned(&buf, tc[i])
		enc := append([]byte{}, buf.Bytes()...)
		buf.Write([]byte{0x1, 0x2, 0x3})
		out, c, err := DecodeSigned(&buf)
		if err != nil {
			t.Fatalf("input %d: %v", tc[i], err)
		}
		if c != uint32(len(enc)) {
			t.Errorf("input %d: wrong length %d, encoded %x", tc[i], c, enc)
		}
		if out != tc[i] {
			t.Errorf("input %d: wrong output %d, encoded %x", tc[i], out, enc)
		}
	}
}
