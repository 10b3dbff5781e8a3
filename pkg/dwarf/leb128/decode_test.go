package leb128

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestDecodeUnsigned(t *testing.T) {
	leb128 := bytes.NewBuffer([]byte{0xE5, 0x8E, 0x26})

	n, c, err := DecodeUnsigned(leb128)
	if err != nil {
		t.Fatal(err)
	}
	if n != 624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}

	if c != 3 {
		t.Fatal("Count not returned correctly")
	}
}

func TestDecodeSigned(t *testing.T) {
	sleb128 := bytes.NewBuffer([]byte{0x9b, 0xf1, 0x59})

	n, c, err := DecodeSigned(sleb128)
	if err != nil {
		t.Fatal(err)
	}
	if n != -624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, in := range [][]byte{{}, {0x80}, {0xff, 0xff}} {
		if _, _, err := DecodeUnsigned(bytes.NewReader(in)); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("DecodeUnsigned(%x): expected ErrUnexpectedEOF, got %v", in, err)
		}
		if _, _, err := DecodeSigned(bytes.NewReader(in)); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("DecodeSigned(%x): expected ErrUnexpectedEOF, got %v", in, err)
		}
	}
}

func TestDecodeOverflow(t *testing.T) {
	in := append(bytes.Repeat([]byte{0xff}, 10), 0x7f)
	if _, _, err := DecodeUnsigned(bytes.NewReader(in)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}
