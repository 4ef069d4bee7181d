package aesctr

import (
	"bytes"
	"testing"
)

func TestXORKeyStreamAtRoundTrip(t *testing.T) {
	t.Parallel()
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	upper := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0, 0, 0, 0}
	c, err := New(key, upper)
	if err != nil {
		t.Fatal(err)
	}
	plain := make([]byte, 100)
	for i := range plain {
		plain[i] = byte(i)
	}
	enc := make([]byte, len(plain))
	c.XORKeyStreamAt(enc, plain, 0x3000)
	if bytes.Equal(enc, plain) {
		t.Error("ciphertext should differ from plaintext")
	}
	dec := make([]byte, len(enc))
	c.XORKeyStreamAt(dec, enc, 0x3000)
	if !bytes.Equal(dec, plain) {
		t.Errorf("round trip failed, got >% x<", dec)
	}
}

func TestXORKeyStreamAtPositionIndependent(t *testing.T) {
	//Decrypting from a misaligned offset must equal the tail of a full decryption,
	//i.e. the keystream position depends on the byte offset only
	t.Parallel()
	key := []byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	upper := []byte{0, 0, 0, 0, 0x11, 0x22, 0x33, 0x44}
	c, err := New(key, upper)
	if err != nil {
		t.Fatal(err)
	}
	plain := make([]byte, 256)
	for i := range plain {
		plain[i] = byte(i * 3)
	}
	enc := make([]byte, len(plain))
	c.XORKeyStreamAt(enc, plain, 0)

	for _, start := range []uint64{1, 15, 16, 17, 100, 255} {
		part := make([]byte, len(plain)-int(start))
		c.XORKeyStreamAt(part, enc[start:], start)
		if !bytes.Equal(part, plain[start:]) {
			t.Errorf("offset %d: partial decrypt does not match tail of full decrypt", start)
		}
	}
}

func TestSetCtrVal(t *testing.T) {
	t.Parallel()
	key := make([]byte, 16)
	upper := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	c, err := New(key, upper)
	if err != nil {
		t.Fatal(err)
	}
	c.SetCtrVal(0xDEADBEEF)
	want := []byte{1, 2, 3, 4, 0xDE, 0xAD, 0xBE, 0xEF}
	if !bytes.Equal(c.UpperIV(), want) {
		t.Errorf("expected upper IV >% x< got >% x<", want, c.UpperIV())
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, err := New([]byte{1, 2, 3}, make([]byte, 8)); err == nil {
		t.Error("should reject short keys")
	}
	if _, err := New(make([]byte, 16), []byte{1}); err == nil {
		t.Error("should reject short upper IVs")
	}
}
