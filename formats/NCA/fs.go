package nca

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"

	aesctr "github.com/pixelglade/cartkit/formats/AESCTR"
	"github.com/pixelglade/cartkit/formats/utils"
	"golang.org/x/crypto/xts"
)

// FS types
const (
	FsTypeRomFs       = 0
	FsTypePartitionFs = 1
)

// Hash types
const (
	HashTypeAuto                  = 0
	HashTypeNone                  = 1
	HashTypeHierarchicalSha256    = 2
	HashTypeHierarchicalIntegrity = 3
)

// Encryption types
const (
	EncryptionTypeAuto     = 0
	EncryptionTypeNone     = 1
	EncryptionTypeAesXts   = 2
	EncryptionTypeAesCtr   = 3
	EncryptionTypeAesCtrEx = 4
)

// SectionType is the effective section class derived from the fs/hash/encryption
// type combination. Anything outside the known-good combinations is Invalid and
// the section stays disabled.
type SectionType int

const (
	SectionTypeInvalid SectionType = iota
	SectionTypePartitionFs
	SectionTypeRomFs
	SectionTypePatchRomFs
	SectionTypeNca0RomFs
)

func (s SectionType) String() string {
	switch s {
	case SectionTypePartitionFs:
		return "PartitionFS"
	case SectionTypeRomFs:
		return "RomFS"
	case SectionTypePatchRomFs:
		return "PatchRomFS"
	case SectionTypeNca0RomFs:
		return "NCA0 RomFS"
	}
	return "Invalid"
}

// BucketInfo locates one BKTR bucket table inside a patch section. Offsets are
// relative to the section start.
type BucketInfo struct {
	Offset     uint64
	Size       uint64
	Version    uint32
	EntryCount uint32
}

// PatchInfo carries the two bucket tables of an AesCtrEx patch section.
type PatchInfo struct {
	Indirect BucketInfo
	AesCtrEx BucketInfo
}

// SectionPatch is one encrypted replacement block produced by the patch
// generators. Offset is relative to the whole content file so patches can be
// spliced into a raw dump without further translation.
type SectionPatch struct {
	Offset uint64
	Data   []byte
}

// Section is one NCA FS section: its decrypted header fields plus the cipher
// state needed to read (and re-encrypt) its body.
type Section struct {
	ctx   *Context
	Index int

	Enabled        bool
	Type           SectionType
	FsType         byte
	HashType       byte
	EncryptionType byte

	// Section extents, relative to the content file start
	Offset uint64
	Size   uint64

	HeaderRaw  []byte // Decrypted 0x200 fs header
	Sha256Data *HierarchicalSha256Data
	Integrity  *IntegrityMetaInfo
	PatchInfo  *PatchInfo

	xtsCipher   *xts.Cipher
	ctrCipher   *aesctr.Cipher
	ctrExCipher *aesctr.Cipher

	ctrExEntries    []AesCtrExEntry
	indirectEntries []IndirectEntry

	patchGenerated bool
}

func (ctx *Context) initializeSection(index int) (*Section, error) {
	info := ctx.Header.FsInfo[index]
	section := &Section{ctx: ctx, Index: index}

	if info.StartSector == 0 && info.EndSector == 0 {
		//Empty slot
		return section, nil
	}
	if info.EndSector <= info.StartSector {
		return section, nil
	}

	section.Offset = uint64(info.StartSector) * SectorSize
	section.Size = uint64(info.EndSector-info.StartSector) * SectorSize
	if section.Offset+section.Size > ctx.Size {
		return nil, fmt.Errorf("fs section %d exceeds content bounds - 0x%x+0x%x > 0x%x", index, section.Offset, section.Size, ctx.Size)
	}

	raw, err := ctx.loadFsHeader(index, section.Offset)
	if err != nil {
		return nil, err
	}
	if err := ctx.verifyFsHeaderHash(index, raw); err != nil {
		return nil, err
	}
	section.HeaderRaw = raw

	section.FsType = raw[0x2]
	section.HashType = raw[0x3]
	section.EncryptionType = raw[0x4]

	section.Type = deriveSectionType(ctx.Version, section.FsType, section.HashType, section.EncryptionType)
	if section.Type == SectionTypeInvalid {
		return section, nil
	}

	switch section.HashType {
	case HashTypeHierarchicalSha256:
		data, err := parseHierarchicalSha256(raw[0x8:0x100], section.Size)
		if err != nil {
			//Malformed hash data disables the section instead of failing the context
			section.Type = SectionTypeInvalid
			return section, nil
		}
		section.Sha256Data = data
	case HashTypeHierarchicalIntegrity:
		data, err := parseIntegrityMetaInfo(raw[0x8:0x100], section.Size)
		if err != nil {
			section.Type = SectionTypeInvalid
			return section, nil
		}
		section.Integrity = data
	}

	if section.Type == SectionTypePatchRomFs {
		patch, err := parsePatchInfo(raw[0x100:0x140])
		if err != nil {
			section.Type = SectionTypeInvalid
			return section, nil
		}
		section.PatchInfo = patch
	}

	if err := section.setupCrypto(raw); err != nil {
		if errors.Is(err, ErrMissingTitlekey) {
			//Usable once a titlekey is supplied; leave disabled for now
			return section, nil
		}
		return nil, err
	}

	section.Enabled = true
	return section, nil
}

// loadFsHeader returns the decrypted 0x200 fs header for one section. NCA2/NCA3
// keep theirs inside the decrypted header block; NCA0 stores them at the start
// of each section, XTS encrypted with the header key.
func (ctx *Context) loadFsHeader(index int, sectionOffset uint64) ([]byte, error) {
	if ctx.Version != VersionNca0 {
		pos := HeaderLength + (index * FsHeaderLength)
		return ctx.Header.Raw[pos : pos+FsHeaderLength], nil
	}

	enc := make([]byte, FsHeaderLength)
	if err := ctx.ReadContentFile(enc, sectionOffset); err != nil {
		return nil, fmt.Errorf("reading NCA0 fs header %d raised %w", index, err)
	}
	raw := make([]byte, FsHeaderLength)
	sector := (sectionOffset - HeaderLength) / XtsSectorSize
	ctx.headerCipher.Decrypt(raw, enc, sector)
	return raw, nil
}

func deriveSectionType(version, fsType, hashType, encryptionType byte) SectionType {
	switch {
	case fsType == FsTypePartitionFs && hashType == HashTypeHierarchicalSha256:
		return SectionTypePartitionFs
	case fsType == FsTypeRomFs && hashType == HashTypeHierarchicalIntegrity:
		if encryptionType == EncryptionTypeAesCtrEx {
			return SectionTypePatchRomFs
		}
		return SectionTypeRomFs
	case version == VersionNca0 && fsType == FsTypeRomFs && hashType == HashTypeHierarchicalSha256:
		return SectionTypeNca0RomFs
	}
	return SectionTypeInvalid
}

func (s *Section) setupCrypto(raw []byte) error {
	ctx := s.ctx

	switch s.EncryptionType {
	case EncryptionTypeNone:
		return nil
	case EncryptionTypeAesXts:
		xtsKey := make([]byte, 0x20)
		copy(xtsKey[0x00:0x10], ctx.Keys.AesXts1[:])
		copy(xtsKey[0x10:0x20], ctx.Keys.AesXts2[:])
		cipher, err := xts.NewCipher(aes.NewCipher, xtsKey)
		if err != nil {
			return fmt.Errorf("cipher could not be created - %w", err)
		}
		s.xtsCipher = cipher
		return nil
	case EncryptionTypeAesCtr, EncryptionTypeAesCtrEx:
		if ctx.RightsIDSet && ctx.Titlekey == nil {
			return ErrMissingTitlekey
		}
		//The upper counter half is the byte reversed aes_ctr_upper_iv field
		upperIV := make([]byte, 8)
		for i := 0; i < 8; i++ {
			upperIV[i] = raw[0x140+7-i]
		}

		ctrCipher, err := aesctr.New(ctx.Keys.AesCtr[:], upperIV)
		if err != nil {
			return fmt.Errorf("cipher could not be created - %w", err)
		}
		s.ctrCipher = ctrCipher

		if s.EncryptionType == EncryptionTypeAesCtrEx {
			ctrExCipher, err := aesctr.New(ctx.Keys.AesCtrEx[:], upperIV)
			if err != nil {
				return fmt.Errorf("cipher could not be created - %w", err)
			}
			s.ctrExCipher = ctrExCipher
		}
		return nil
	}
	return fmt.Errorf("unsupported encryption type - %d", s.EncryptionType)
}

// Read decrypts section body bytes into out. Offset is relative to the section
// start; reads may start and end at arbitrary byte positions.
func (s *Section) Read(out []byte, offset uint64) error {
	if !s.Enabled {
		return ErrSectionDisabled
	}
	if s.Type == SectionTypePatchRomFs {
		return errors.New("patch sections need a counter value, use ReadAesCtrEx")
	}
	return s.readDecrypted(out, offset, s.ctrCipher)
}

// ReadAesCtrEx decrypts patch section bytes using an explicit counter value taken
// from the section's AesCtrEx bucket entries.
func (s *Section) ReadAesCtrEx(out []byte, offset uint64, ctrVal uint32) error {
	if !s.Enabled {
		return ErrSectionDisabled
	}
	if s.ctrExCipher == nil {
		return errors.New("section has no AesCtrEx crypto")
	}
	s.ctrExCipher.SetCtrVal(ctrVal)
	return s.readDecrypted(out, offset, s.ctrExCipher)
}

func (s *Section) readDecrypted(out []byte, offset uint64, ctr *aesctr.Cipher) error {
	if len(out) == 0 {
		return errors.New("empty read")
	}
	if offset+uint64(len(out)) > s.Size {
		return fmt.Errorf("section read out of bounds - 0x%x+0x%x > 0x%x", offset, len(out), s.Size)
	}

	switch s.EncryptionType {
	case EncryptionTypeNone:
		return s.ctx.ReadContentFile(out, s.Offset+offset)

	case EncryptionTypeAesCtr, EncryptionTypeAesCtrEx:
		if err := s.ctx.ReadContentFile(out, s.Offset+offset); err != nil {
			return err
		}
		//Counters run over content file offsets, not section offsets
		ctr.XORKeyStreamAt(out, out, s.Offset+offset)
		return nil

	case EncryptionTypeAesXts:
		alignedStart := utils.AlignDown(offset, XtsSectorSize)
		alignedEnd := utils.AlignUp(offset+uint64(len(out)), XtsSectorSize)
		if alignedEnd > s.Size {
			return fmt.Errorf("section read not sector coverable - 0x%x > 0x%x", alignedEnd, s.Size)
		}

		scratch := make([]byte, alignedEnd-alignedStart)
		if err := s.ctx.ReadContentFile(scratch, s.Offset+alignedStart); err != nil {
			return err
		}
		//XTS sector numbers are relative to the section start
		for pos := uint64(0); pos < uint64(len(scratch)); pos += XtsSectorSize {
			sector := (alignedStart + pos) / XtsSectorSize
			s.xtsCipher.Decrypt(scratch[pos:pos+XtsSectorSize], scratch[pos:pos+XtsSectorSize], sector)
		}
		copy(out, scratch[offset-alignedStart:])
		return nil
	}
	return fmt.Errorf("unsupported encryption type - %d", s.EncryptionType)
}

// GenerateEncryptedSectionBlock takes plaintext replacement data for a section
// range and produces the encrypted block that covers it, widened to the cipher's
// alignment by merging with freshly decrypted original bytes. The returned offset
// is relative to the whole content file.
func (s *Section) GenerateEncryptedSectionBlock(data []byte, dataOffset uint64) ([]byte, uint64, error) {
	if !s.Enabled {
		return nil, 0, ErrSectionDisabled
	}
	if s.Type == SectionTypePatchRomFs {
		return nil, 0, errors.New("cannot re-encrypt patch section data without bucket context")
	}
	if len(data) == 0 {
		return nil, 0, errors.New("empty block")
	}
	if dataOffset+uint64(len(data)) > s.Size {
		return nil, 0, fmt.Errorf("block out of bounds - 0x%x+0x%x > 0x%x", dataOffset, len(data), s.Size)
	}

	var align uint64
	switch s.EncryptionType {
	case EncryptionTypeNone:
		block := append([]byte{}, data...)
		return block, s.Offset + dataOffset, nil
	case EncryptionTypeAesCtr:
		align = aesctr.BlockSize
	case EncryptionTypeAesXts:
		align = XtsSectorSize
	default:
		return nil, 0, fmt.Errorf("unsupported encryption type - %d", s.EncryptionType)
	}

	alignedStart := utils.AlignDown(dataOffset, align)
	alignedEnd := utils.AlignUp(dataOffset+uint64(len(data)), align)
	if alignedEnd > s.Size {
		return nil, 0, fmt.Errorf("block not alignment coverable - 0x%x > 0x%x", alignedEnd, s.Size)
	}

	block := make([]byte, alignedEnd-alignedStart)
	if err := s.Read(block, alignedStart); err != nil {
		return nil, 0, fmt.Errorf("reading original block raised %w", err)
	}
	copy(block[dataOffset-alignedStart:], data)

	switch s.EncryptionType {
	case EncryptionTypeAesCtr:
		s.ctrCipher.XORKeyStreamAt(block, block, s.Offset+alignedStart)
	case EncryptionTypeAesXts:
		for pos := uint64(0); pos < uint64(len(block)); pos += XtsSectorSize {
			sector := (alignedStart + pos) / XtsSectorSize
			s.xtsCipher.Encrypt(block[pos:pos+XtsSectorSize], block[pos:pos+XtsSectorSize], sector)
		}
	}

	return block, s.Offset + alignedStart, nil
}

func parsePatchInfo(raw []byte) (*PatchInfo, error) {
	parseBucket := func(b []byte) (BucketInfo, error) {
		info := BucketInfo{
			Offset:     binary.LittleEndian.Uint64(b[0x0:0x8]),
			Size:       binary.LittleEndian.Uint64(b[0x8:0x10]),
			Version:    binary.LittleEndian.Uint32(b[0x14:0x18]),
			EntryCount: binary.LittleEndian.Uint32(b[0x18:0x1C]),
		}
		if magic := string(b[0x10:0x14]); magic != "BKTR" {
			return info, fmt.Errorf("invalid bucket magic - >%s<", magic)
		}
		if info.Size == 0 {
			return info, errors.New("empty bucket table")
		}
		return info, nil
	}

	indirect, err := parseBucket(raw[0x00:0x20])
	if err != nil {
		return nil, err
	}
	ctrEx, err := parseBucket(raw[0x20:0x40])
	if err != nil {
		return nil, err
	}
	return &PatchInfo{Indirect: indirect, AesCtrEx: ctrEx}, nil
}
