package gamecard

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/connesc/cipherio"
	"github.com/pixelglade/cartkit/keystore"
)

//https://switchbrew.org/wiki/Gamecard_Format
// The card header is a fixed 0x400 byte record. The interesting fields start at
// 0x100 with the "HEAD" magic; the 0x70 bytes at 0x190 are AES-128-CBC
// encrypted card info, decryptable only when the xci header key is known.

const (
	HeaderLength       = 0x400
	HeaderMagic        = "HEAD"
	MediaUnitSize      = 0x200
	ExtendedInfoLength = 0x70
	certificateOffset  = 0x7000
	certificateLength  = 0x200
)

// Rom size codes stored at 0x10D
const (
	RomSize1GiB  = 0xFA
	RomSize2GiB  = 0xF8
	RomSize4GiB  = 0xF0
	RomSize8GiB  = 0xE0
	RomSize16GiB = 0xE1
	RomSize32GiB = 0xE2
)

// Header is the parsed card header.
type Header struct {
	SecureAreaStart uint32 // Media units
	KekIndex        byte
	RomSize         byte
	HeaderVersion   byte
	Flags           byte
	PackageID       uint64
	ValidDataEnd    uint32 // Media units, inclusive
	IV              [0x10]byte
	PfsHeaderAddr   uint64
	PfsHeaderSize   uint64
	PfsHeaderHash   [0x20]byte
	InitialDataHash [0x20]byte
	LimArea         uint32 // Media units
	EncryptedInfo   [ExtendedInfoLength]byte
}

// ExtendedInfo is the decrypted card info block.
type ExtendedInfo struct {
	FwVersion      uint64
	AccCtrl1       uint32
	Wait1TimeRead  uint32
	Wait2TimeRead  uint32
	Wait1TimeWrite uint32
	Wait2TimeWrite uint32
	FwMode         uint32
	UppVersion     uint32
	UppID          uint64
}

// ParseHeader decodes a raw 0x400 byte card header, checking the magic.
func ParseHeader(raw []byte) (*Header, error) {
	if len(raw) < HeaderLength {
		return nil, fmt.Errorf("card header too short - 0x%x", len(raw))
	}
	if magic := string(raw[0x100:0x104]); magic != HeaderMagic {
		return nil, fmt.Errorf("invalid card header magic. Wanted %s, got >%s<", HeaderMagic, magic)
	}

	header := &Header{
		SecureAreaStart: binary.LittleEndian.Uint32(raw[0x104:0x108]),
		KekIndex:        raw[0x10C],
		RomSize:         raw[0x10D],
		HeaderVersion:   raw[0x10E],
		Flags:           raw[0x10F],
		PackageID:       binary.LittleEndian.Uint64(raw[0x110:0x118]),
		ValidDataEnd:    binary.LittleEndian.Uint32(raw[0x118:0x11C]),
		PfsHeaderAddr:   binary.LittleEndian.Uint64(raw[0x130:0x138]),
		PfsHeaderSize:   binary.LittleEndian.Uint64(raw[0x138:0x140]),
		LimArea:         binary.LittleEndian.Uint32(raw[0x18C:0x190]),
	}
	copy(header.IV[:], raw[0x120:0x130])
	copy(header.PfsHeaderHash[:], raw[0x140:0x160])
	copy(header.InitialDataHash[:], raw[0x160:0x180])
	copy(header.EncryptedInfo[:], raw[0x190:0x200])

	if header.PfsHeaderSize == 0 {
		return nil, errors.New("card header declares no root partition")
	}
	return header, nil
}

// RomCapacity maps the rom size code to the card's capacity in bytes.
func (header *Header) RomCapacity() (uint64, error) {
	const gib = 1 << 30
	switch header.RomSize {
	case RomSize1GiB:
		return 1 * gib, nil
	case RomSize2GiB:
		return 2 * gib, nil
	case RomSize4GiB:
		return 4 * gib, nil
	case RomSize8GiB:
		return 8 * gib, nil
	case RomSize16GiB:
		return 16 * gib, nil
	case RomSize32GiB:
		return 32 * gib, nil
	}
	return 0, fmt.Errorf("unknown rom size code - 0x%02x", header.RomSize)
}

// DecryptExtendedInfo decrypts the card info block with the xci header key.
// The on-card IV is stored byte reversed.
func (header *Header) DecryptExtendedInfo(ks *keystore.Keystore) (*ExtendedInfo, error) {
	key, err := ks.GetXciHeaderKey()
	if err != nil {
		return nil, fmt.Errorf("cant decrypt card info without `xci_header_key` - %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher could not be created - %w", err)
	}

	iv := make([]byte, 0x10)
	for i := 0; i < 0x10; i++ {
		iv[i] = header.IV[0xF-i]
	}

	reader := cipherio.NewBlockReader(bytes.NewReader(header.EncryptedInfo[:]), cipher.NewCBCDecrypter(block, iv))
	plain := make([]byte, ExtendedInfoLength)
	if _, err := io.ReadFull(reader, plain); err != nil {
		return nil, fmt.Errorf("card info decryption raised %w", err)
	}

	return &ExtendedInfo{
		FwVersion:      binary.LittleEndian.Uint64(plain[0x00:0x08]),
		AccCtrl1:       binary.LittleEndian.Uint32(plain[0x08:0x0C]),
		Wait1TimeRead:  binary.LittleEndian.Uint32(plain[0x0C:0x10]),
		Wait2TimeRead:  binary.LittleEndian.Uint32(plain[0x10:0x14]),
		Wait1TimeWrite: binary.LittleEndian.Uint32(plain[0x14:0x18]),
		Wait2TimeWrite: binary.LittleEndian.Uint32(plain[0x18:0x1C]),
		FwMode:         binary.LittleEndian.Uint32(plain[0x1C:0x20]),
		UppVersion:     binary.LittleEndian.Uint32(plain[0x20:0x24]),
		UppID:          binary.LittleEndian.Uint64(plain[0x30:0x38]),
	}, nil
}
