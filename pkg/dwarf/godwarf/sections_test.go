package godwarf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"testing"
)

func TestDecompressMaybe(t *testing.T) {
	payload := []byte("call frame information")

	var z bytes.Buffer
	z.WriteString("ZLIB")
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], uint64(len(payload)))
	z.Write(sz[:])
	w := zlib.NewWriter(&z)
	w.Write(payload)
	w.Close()

	out, err := decompressMaybe(z.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("got %q", out)
	}

	out, err = decompressMaybe(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("uncompressed data changed: %q", out)
	}
}
