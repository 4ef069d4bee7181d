package nca

import (
	"bytes"
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pixelglade/cartkit/keystore"
	"golang.org/x/crypto/xts"
)

//https://switchbrew.org/wiki/NCA

const (
	// Format consts
	HeaderLength     = 0x400
	FullHeaderLength = 0xC00
	FsHeaderCount    = 4
	FsHeaderLength   = 0x200
	SectorSize       = 0x200
	XtsSectorSize    = 0x200

	// Content types
	ContentProgram    = 0
	ContentMeta       = 1
	ContentControl    = 2
	ContentManual     = 3
	ContentData       = 4
	ContentPublicData = 5

	// Distribution types
	DistributionDownload = 0
	DistributionGameCard = 1
)

// Format versions, from the header magic
const (
	VersionNca0 = 0
	VersionNca2 = 2
	VersionNca3 = 3
)

var (
	ErrSectionDisabled       = errors.New("fs section is disabled")
	ErrPatchAlreadyGenerated = errors.New("a patch was already generated for this fs section")
	ErrMissingTitlekey       = errors.New("titlekey crypto required but no titlekey is available")
)

type FsInfo struct {
	StartSector uint32
	EndSector   uint32
	HashSector  uint32
}

// Header is the parsed representation of the decrypted first 0x400 bytes of a NCA,
// plus the four trailing FS headers. Raw always holds the full decrypted 0xC00 block
// and is the single source of truth when the header is re-encrypted.
type Header struct {
	Raw []byte // Full decrypted header block (0xC00 bytes)

	Magic            string
	DistributionType byte
	ContentType      byte
	KeyGenerationOld byte
	KaekIndex        byte
	ContentSize      uint64
	ProgramID        uint64
	ContentIndex     uint32
	KeyGeneration    byte
	RightsID         [0x10]byte
	FsInfo           [FsHeaderCount]FsInfo
	FsHeaderHash     [FsHeaderCount][0x20]byte
	EncryptedKeyArea [0x40]byte
}

// DecryptedKeyArea holds the unwrapped NCA FS section keys.
type DecryptedKeyArea struct {
	AesXts1  [0x10]byte
	AesXts2  [0x10]byte
	AesCtr   [0x10]byte
	AesCtrEx [0x10]byte
}

// Context owns one archive: its backend reader, decrypted header, unwrapped key
// area and the four FS section slots. Contexts are exclusively owned by their
// caller; concurrent use of distinct contexts needs no locking.
type Context struct {
	reader io.ReaderAt

	ContentID   string
	Size        uint64
	Version     byte
	KeyRevision uint8

	RightsIDSet bool
	Titlekey    []byte // Decrypted titlekey, nil when unavailable

	DirtyHeader bool
	Header      *Header
	Keys        DecryptedKeyArea
	Sections    [FsHeaderCount]*Section

	headerCipher *xts.Cipher
}

// NewContext decrypts the NCA header, unwraps the key area and initializes the
// per-section cipher state. The titlekey argument may be nil; sections that need
// titlekey crypto are then left disabled rather than failing the whole context.
func NewContext(ks *keystore.Keystore, reader io.ReaderAt, contentID string, size uint64, titlekey []byte) (*Context, error) {
	if ks == nil || reader == nil {
		return nil, errors.New("nil keystore or reader")
	}
	if size < FullHeaderLength {
		return nil, fmt.Errorf("content too small to hold a NCA header - 0x%x", size)
	}

	headerKey, err := ks.GetHeaderKey()
	if err != nil {
		return nil, errors.New("cant decode NCA data without `header_key`")
	}
	headerCipher, err := xts.NewCipher(aes.NewCipher, headerKey)
	if err != nil {
		return nil, fmt.Errorf("cipher could not be created - %w", err)
	}

	encHeader := make([]byte, FullHeaderLength)
	if _, err := reader.ReadAt(encHeader, 0); err != nil {
		return nil, fmt.Errorf("reading NCA header raised %w", err)
	}

	ctx := &Context{
		reader:       reader,
		ContentID:    contentID,
		Size:         size,
		headerCipher: headerCipher,
	}

	header, err := ctx.decryptHeader(encHeader)
	if err != nil {
		return nil, err
	}
	ctx.Header = header

	if header.ContentSize != size {
		return nil, fmt.Errorf("declared content size 0x%x does not match backend size 0x%x", header.ContentSize, size)
	}

	//Key generation is the max of the old and new fields, shifted down one
	keyGeneration := header.KeyGenerationOld
	if header.KeyGeneration > keyGeneration {
		keyGeneration = header.KeyGeneration
	}
	if keyGeneration > 0 {
		ctx.KeyRevision = keyGeneration - 1
	}

	for _, b := range header.RightsID {
		if b != 0 {
			ctx.RightsIDSet = true
			break
		}
	}
	if ctx.RightsIDSet && titlekey != nil {
		if len(titlekey) != 0x10 {
			return nil, fmt.Errorf("invalid titlekey length - %d", len(titlekey))
		}
		ctx.Titlekey = append([]byte{}, titlekey...)
	}

	if err := ctx.decryptKeyArea(ks); err != nil {
		return nil, err
	}

	//Initialize FS sections; invalid ones stay disabled rather than failing the context
	for i := 0; i < FsHeaderCount; i++ {
		section, err := ctx.initializeSection(i)
		if err != nil {
			return nil, err
		}
		ctx.Sections[i] = section
	}

	return ctx, nil
}

func (ctx *Context) decryptHeader(encHeader []byte) (*Header, error) {
	decrypted := make([]byte, FullHeaderLength)

	//The first 0x400 bytes are always two XTS sectors starting at sector 0
	for sector := 0; sector < HeaderLength/XtsSectorSize; sector++ {
		pos := sector * XtsSectorSize
		ctx.headerCipher.Decrypt(decrypted[pos:pos+XtsSectorSize], encHeader[pos:pos+XtsSectorSize], uint64(sector))
	}

	magic := string(decrypted[0x200:0x204])
	switch magic {
	case "NCA0":
		ctx.Version = VersionNca0
	case "NCA2":
		ctx.Version = VersionNca2
	case "NCA3":
		ctx.Version = VersionNca3
	default:
		return nil, fmt.Errorf("NCA decryption failed, invalid magic - >%s<", magic)
	}

	switch ctx.Version {
	case VersionNca3:
		//NCA3 encrypts the whole 0xC00 block with a continuous sector number
		for sector := HeaderLength / XtsSectorSize; sector < FullHeaderLength/XtsSectorSize; sector++ {
			pos := sector * XtsSectorSize
			ctx.headerCipher.Decrypt(decrypted[pos:pos+XtsSectorSize], encHeader[pos:pos+XtsSectorSize], uint64(sector))
		}
	case VersionNca2:
		//NCA2 restarts the sector counter for every FS header
		for i := 0; i < FsHeaderCount; i++ {
			pos := HeaderLength + (i * FsHeaderLength)
			ctx.headerCipher.Decrypt(decrypted[pos:pos+XtsSectorSize], encHeader[pos:pos+XtsSectorSize], 0)
		}
	case VersionNca0:
		//NCA0 stores its FS headers inside the section bodies; they're loaded on demand
	}

	header := &Header{Raw: decrypted}
	header.Magic = magic
	header.DistributionType = decrypted[0x204]
	header.ContentType = decrypted[0x205]
	header.KeyGenerationOld = decrypted[0x206]
	header.KaekIndex = decrypted[0x207]
	header.ContentSize = binary.LittleEndian.Uint64(decrypted[0x208:0x210])
	header.ProgramID = binary.LittleEndian.Uint64(decrypted[0x210:0x218])
	header.ContentIndex = binary.LittleEndian.Uint32(decrypted[0x218:0x21C])
	header.KeyGeneration = decrypted[0x220]
	copy(header.RightsID[:], decrypted[0x230:0x240])

	for i := 0; i < FsHeaderCount; i++ {
		base := 0x240 + (i * 0x10)
		header.FsInfo[i] = FsInfo{
			StartSector: binary.LittleEndian.Uint32(decrypted[base : base+4]),
			EndSector:   binary.LittleEndian.Uint32(decrypted[base+4 : base+8]),
			HashSector:  binary.LittleEndian.Uint32(decrypted[base+8 : base+12]),
		}
		copy(header.FsHeaderHash[i][:], decrypted[0x280+(i*0x20):0x280+(i*0x20)+0x20])
	}
	copy(header.EncryptedKeyArea[:], decrypted[0x300:0x340])

	return header, nil
}

// EncryptHeader re-encrypts the in-memory header block, producing the bytes that
// must replace offsets [0, 0xC00) of the raw content file. Must be called after
// any mutation that sets DirtyHeader and before writing the header back out.
func (ctx *Context) EncryptHeader() ([]byte, error) {
	if ctx.Header == nil || len(ctx.Header.Raw) != FullHeaderLength {
		return nil, errors.New("uninitialized context")
	}

	encrypted := make([]byte, FullHeaderLength)
	raw := ctx.Header.Raw

	for sector := 0; sector < HeaderLength/XtsSectorSize; sector++ {
		pos := sector * XtsSectorSize
		ctx.headerCipher.Encrypt(encrypted[pos:pos+XtsSectorSize], raw[pos:pos+XtsSectorSize], uint64(sector))
	}

	switch ctx.Version {
	case VersionNca3:
		for sector := HeaderLength / XtsSectorSize; sector < FullHeaderLength/XtsSectorSize; sector++ {
			pos := sector * XtsSectorSize
			ctx.headerCipher.Encrypt(encrypted[pos:pos+XtsSectorSize], raw[pos:pos+XtsSectorSize], uint64(sector))
		}
	case VersionNca2:
		for i := 0; i < FsHeaderCount; i++ {
			pos := HeaderLength + (i * FsHeaderLength)
			ctx.headerCipher.Encrypt(encrypted[pos:pos+XtsSectorSize], raw[pos:pos+XtsSectorSize], 0)
		}
	case VersionNca0:
		//NCA0 keeps its FS headers out of line; only the fixed header is produced here
		copy(encrypted[HeaderLength:], raw[HeaderLength:])
	}

	return encrypted, nil
}

// ReadContentFile reads raw (still encrypted) bytes from the backing store.
// Offset is relative to the start of the NCA content file.
func (ctx *Context) ReadContentFile(out []byte, offset uint64) error {
	if len(out) == 0 {
		return errors.New("empty read")
	}
	if offset+uint64(len(out)) > ctx.Size {
		return fmt.Errorf("content read out of bounds - 0x%x+0x%x > 0x%x", offset, len(out), ctx.Size)
	}
	if _, err := ctx.reader.ReadAt(out, int64(offset)); err != nil {
		return fmt.Errorf("content read failed - %w", err)
	}
	return nil
}

func (ctx *Context) decryptKeyArea(ks *keystore.Keystore) error {
	if ctx.RightsIDSet {
		//Titlekey crypto NCAs zero the key area; the titlekey replaces the CTR keys
		if ctx.Titlekey != nil {
			copy(ctx.Keys.AesCtr[:], ctx.Titlekey)
			copy(ctx.Keys.AesCtrEx[:], ctx.Titlekey)
		}
		return nil
	}

	kaek, err := ks.GetKeyAreaKey(ctx.Header.KaekIndex, ctx.KeyRevision)
	if err != nil {
		return fmt.Errorf("missing key area key - %02x -> %w", ctx.KeyRevision, err)
	}

	decrypted, err := decryptAes128Ecb(ctx.Header.EncryptedKeyArea[:], kaek)
	if err != nil {
		return fmt.Errorf("ECB error - %w", err)
	}

	copy(ctx.Keys.AesXts1[:], decrypted[0x00:0x10])
	copy(ctx.Keys.AesXts2[:], decrypted[0x10:0x20])
	copy(ctx.Keys.AesCtr[:], decrypted[0x20:0x30])
	copy(ctx.Keys.AesCtrEx[:], decrypted[0x30:0x40])
	return nil
}

// RemoveTitlekeyCrypto wipes the rights ID from the header and moves the decrypted
// titlekey into the key area CTR slots, so the content no longer needs ticket based
// key derivation. In-memory only; marks the header dirty for re-encryption.
func (ctx *Context) RemoveTitlekeyCrypto(ks *keystore.Keystore) error {
	if !ctx.RightsIDSet {
		return nil
	}
	if ctx.Titlekey == nil {
		return ErrMissingTitlekey
	}

	kaek, err := ks.GetKeyAreaKey(ctx.Header.KaekIndex, ctx.KeyRevision)
	if err != nil {
		return fmt.Errorf("missing key area key - %02x -> %w", ctx.KeyRevision, err)
	}

	copy(ctx.Keys.AesCtr[:], ctx.Titlekey)
	copy(ctx.Keys.AesCtrEx[:], ctx.Titlekey)

	//Wipe the rights ID and rebuild the encrypted key area inside the raw header
	for i := range ctx.Header.RightsID {
		ctx.Header.RightsID[i] = 0
	}
	for i := 0x230; i < 0x240; i++ {
		ctx.Header.Raw[i] = 0
	}

	plainKeyArea := make([]byte, 0x40)
	copy(plainKeyArea[0x00:0x10], ctx.Keys.AesXts1[:])
	copy(plainKeyArea[0x10:0x20], ctx.Keys.AesXts2[:])
	copy(plainKeyArea[0x20:0x30], ctx.Keys.AesCtr[:])
	copy(plainKeyArea[0x30:0x40], ctx.Keys.AesCtrEx[:])

	encKeyArea, err := encryptAes128Ecb(plainKeyArea, kaek)
	if err != nil {
		return fmt.Errorf("ECB error - %w", err)
	}
	copy(ctx.Header.EncryptedKeyArea[:], encKeyArea)
	copy(ctx.Header.Raw[0x300:0x340], encKeyArea)

	ctx.RightsIDSet = false
	ctx.DirtyHeader = true
	return nil
}

// SetDownloadDistribution flips the distribution type to Download, used when
// converting gamecard contents into installable images.
func (ctx *Context) SetDownloadDistribution() {
	if ctx.Header.DistributionType == DistributionDownload {
		return
	}
	ctx.Header.DistributionType = DistributionDownload
	ctx.Header.Raw[0x204] = DistributionDownload
	ctx.DirtyHeader = true
}

// updateFsHeaderHash recomputes the SHA-256 over one raw FS header and stores it in
// both the parsed header and the raw block, marking the header dirty.
func (ctx *Context) updateFsHeaderHash(index int) {
	raw := ctx.Header.Raw[HeaderLength+(index*FsHeaderLength) : HeaderLength+((index+1)*FsHeaderLength)]
	sum := sha256.Sum256(raw)
	ctx.Header.FsHeaderHash[index] = sum
	copy(ctx.Header.Raw[0x280+(index*0x20):0x280+(index*0x20)+0x20], sum[:])
	ctx.DirtyHeader = true
}

func decryptAes128Ecb(data, key []byte) ([]byte, error) {
	cipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher could not be created - %w", err)
	}
	decrypted := make([]byte, len(data))
	size := 16
	if len(data)%size != 0 {
		return decrypted, errors.New("invalid input length")
	}

	for bs, be := 0, size; bs < len(data); bs, be = bs+size, be+size {
		cipher.Decrypt(decrypted[bs:be], data[bs:be])
	}

	return decrypted, nil
}

func encryptAes128Ecb(data, key []byte) ([]byte, error) {
	cipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher could not be created - %w", err)
	}
	encrypted := make([]byte, len(data))
	size := 16
	if len(data)%size != 0 {
		return encrypted, errors.New("invalid input length")
	}

	for bs, be := 0, size; bs < len(data); bs, be = bs+size, be+size {
		cipher.Encrypt(encrypted[bs:be], data[bs:be])
	}

	return encrypted, nil
}

// verifyFsHeaderHash checks a raw FS header slice against the hash stored in the
// fixed header, as every section load must do before trusting its contents.
func (ctx *Context) verifyFsHeaderHash(index int, raw []byte) error {
	actual := sha256.Sum256(raw)
	if !bytes.Equal(actual[:], ctx.Header.FsHeaderHash[index][:]) {
		return fmt.Errorf("fs header hash mismatch for section %d -> %x <-> %x", index, actual, ctx.Header.FsHeaderHash[index])
	}
	return nil
}
