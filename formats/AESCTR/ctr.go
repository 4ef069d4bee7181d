package aesctr

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// Seekable AES-128-CTR helper using the NCA counter layout:
// +----------------+----------------+
// | upper IV  (8B) | block index(8B)|
// +----------------+----------------+
// The upper IV carries the section generation/secure values; the block index is
// the byte offset divided by the AES block size, stored big endian.
// CTR sections may start reads at arbitrary byte offsets, so the keystream head
// is discarded when the offset is not block aligned.

const BlockSize = 16

type Cipher struct {
	block   cipher.Block
	upperIV [8]byte
}

// New creates a CTR helper from a 16 byte key and the 8 byte upper IV.
// The upper IV must already be in counter byte order (most significant first).
func New(key, upperIV []byte) (*Cipher, error) {
	if len(key) != BlockSize {
		return nil, fmt.Errorf("invalid AES-CTR key length - %d", len(key))
	}
	if len(upperIV) != 8 {
		return nil, errors.New("upper IV must be 8 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher could not be created - %w", err)
	}
	c := &Cipher{block: block}
	copy(c.upperIV[:], upperIV)
	return c, nil
}

// SetCtrVal splices a per-run counter value into bytes 4..8 of the upper IV.
// Used by AesCtrEx storage, where each remapped run carries its own generation.
func (c *Cipher) SetCtrVal(val uint32) {
	binary.BigEndian.PutUint32(c.upperIV[4:], val)
}

// UpperIV returns a copy of the current upper IV bytes.
func (c *Cipher) UpperIV() []byte {
	out := make([]byte, 8)
	copy(out, c.upperIV[:])
	return out
}

// XORKeyStreamAt ciphers src into dst using the keystream position implied by
// the absolute byte offset. Offset does not need to be block aligned.
// CTR is symmetric, so this both encrypts and decrypts.
func (c *Cipher) XORKeyStreamAt(dst, src []byte, offset uint64) {
	iv := make([]byte, BlockSize)
	copy(iv, c.upperIV[:])
	binary.BigEndian.PutUint64(iv[8:], offset/BlockSize)

	stream := cipher.NewCTR(c.block, iv)

	//Burn the keystream bytes before the requested offset inside the first block
	if lead := offset % BlockSize; lead != 0 {
		scratch := make([]byte, lead)
		stream.XORKeyStream(scratch, scratch)
	}

	stream.XORKeyStream(dst, src)
}
