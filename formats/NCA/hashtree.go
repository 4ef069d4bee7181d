package nca

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pixelglade/cartkit/formats/utils"
)

const (
	Sha256MaxRegionCount = 5

	IVFCLevelCount    = 6 // Stored level entries
	IVFCMaxLevelCount = 7 // Value the on-disk max_level_count field must hold
)

// HashRegion is one hashed byte range, relative to the section start.
type HashRegion struct {
	Offset uint64
	Size   uint64
}

// HierarchicalSha256Data is the flat hash scheme: the last region holds the
// filesystem payload, every region above it holds the SHA-256 block hashes of
// the region below, and the master hash covers region 0.
type HierarchicalSha256Data struct {
	MasterHash    [sha256.Size]byte
	HashBlockSize uint32
	RegionCount   uint32
	Regions       [Sha256MaxRegionCount]HashRegion
}

// IntegrityLevel is one IVFC level. Block size is 1 << BlockOrder.
type IntegrityLevel struct {
	Offset     uint64
	Size       uint64
	BlockOrder uint32
}

// IntegrityMetaInfo is the IVFC multi-level hash scheme: each level holds the
// block hashes of the level below it and the master hash covers level 0.
type IntegrityMetaInfo struct {
	Version        uint32
	MasterHashSize uint32
	MaxLevelCount  uint32
	Levels         [IVFCLevelCount]IntegrityLevel
	Salt           [0x20]byte
	MasterHash     [sha256.Size]byte
}

// HierarchicalSha256Patch holds the encrypted replacement blocks produced by one
// patch generation, one optional slot per hash region. Offsets are relative to
// the whole content file, ready for splicing into a raw dump.
type HierarchicalSha256Patch struct {
	ContentID string
	Regions   [Sha256MaxRegionCount]*SectionPatch
}

// HierarchicalIntegrityPatch is the IVFC counterpart, one optional slot per level.
type HierarchicalIntegrityPatch struct {
	ContentID string
	Levels    [IVFCLevelCount]*SectionPatch
}

// parseHierarchicalSha256 decodes the hash data blob (the fs header bytes from
// offset 0x8) and validates it against the section size.
func parseHierarchicalSha256(raw []byte, sectionSize uint64) (*HierarchicalSha256Data, error) {
	data := &HierarchicalSha256Data{}
	copy(data.MasterHash[:], raw[0x00:0x20])
	data.HashBlockSize = binary.LittleEndian.Uint32(raw[0x20:0x24])
	data.RegionCount = binary.LittleEndian.Uint32(raw[0x24:0x28])
	for i := 0; i < Sha256MaxRegionCount; i++ {
		base := 0x28 + (i * 0x10)
		data.Regions[i] = HashRegion{
			Offset: binary.LittleEndian.Uint64(raw[base : base+8]),
			Size:   binary.LittleEndian.Uint64(raw[base+8 : base+16]),
		}
	}
	if err := ValidateHierarchicalSha256Offsets(data, sectionSize); err != nil {
		return nil, err
	}
	return data, nil
}

// ValidateHierarchicalSha256Offsets checks the structural bounds of the flat
// hash scheme. It gates section initialization; failure disables the section.
func ValidateHierarchicalSha256Offsets(data *HierarchicalSha256Data, sectionSize uint64) error {
	if data.HashBlockSize == 0 {
		return errors.New("hash block size is zero")
	}
	if data.RegionCount == 0 || data.RegionCount > Sha256MaxRegionCount {
		return fmt.Errorf("invalid hash region count - %d", data.RegionCount)
	}
	for i := uint32(0); i < data.RegionCount; i++ {
		region := data.Regions[i]
		if region.Size == 0 {
			return fmt.Errorf("hash region %d is empty", i)
		}
		//Split comparison so crafted offsets cannot wrap past the check
		if region.Offset > sectionSize || region.Size > sectionSize-region.Offset {
			return fmt.Errorf("hash region %d out of bounds - 0x%x+0x%x > 0x%x", i, region.Offset, region.Size, sectionSize)
		}
	}
	return nil
}

// parseIntegrityMetaInfo decodes the IVFC blob (the fs header bytes from offset
// 0x8) and validates it against the section size.
func parseIntegrityMetaInfo(raw []byte, sectionSize uint64) (*IntegrityMetaInfo, error) {
	if magic := string(raw[0x0:0x4]); magic != "IVFC" {
		return nil, fmt.Errorf("invalid integrity magic - >%s<", magic)
	}
	data := &IntegrityMetaInfo{
		Version:        binary.LittleEndian.Uint32(raw[0x4:0x8]),
		MasterHashSize: binary.LittleEndian.Uint32(raw[0x8:0xC]),
		MaxLevelCount:  binary.LittleEndian.Uint32(raw[0xC:0x10]),
	}
	for i := 0; i < IVFCLevelCount; i++ {
		base := 0x10 + (i * 0x18)
		data.Levels[i] = IntegrityLevel{
			Offset:     binary.LittleEndian.Uint64(raw[base : base+8]),
			Size:       binary.LittleEndian.Uint64(raw[base+8 : base+16]),
			BlockOrder: binary.LittleEndian.Uint32(raw[base+16 : base+20]),
		}
	}
	copy(data.Salt[:], raw[0xA0:0xC0])
	copy(data.MasterHash[:], raw[0xC0:0xE0])

	if err := ValidateHierarchicalIntegrityOffsets(data, sectionSize); err != nil {
		return nil, err
	}
	return data, nil
}

// ValidateHierarchicalIntegrityOffsets checks the structural constants and level
// bounds of an IVFC blob. It gates section initialization.
func ValidateHierarchicalIntegrityOffsets(data *IntegrityMetaInfo, sectionSize uint64) error {
	if data.MasterHashSize != sha256.Size {
		return fmt.Errorf("invalid master hash size - %d", data.MasterHashSize)
	}
	if data.MaxLevelCount != IVFCMaxLevelCount {
		return fmt.Errorf("invalid level count - %d", data.MaxLevelCount)
	}
	for i := 0; i < IVFCLevelCount; i++ {
		level := data.Levels[i]
		if level.Size == 0 {
			return fmt.Errorf("integrity level %d is empty", i)
		}
		if level.BlockOrder == 0 || level.BlockOrder > 31 {
			return fmt.Errorf("integrity level %d has invalid block order - %d", i, level.BlockOrder)
		}
		if level.Offset > sectionSize || level.Size > sectionSize-level.Offset {
			return fmt.Errorf("integrity level %d out of bounds - 0x%x+0x%x > 0x%x", i, level.Offset, level.Size, sectionSize)
		}
	}
	return nil
}

// hashLayerBlocks hashes data in blockSize blocks, returning the concatenated
// digests that become the parent layer's bytes.
func hashLayerBlocks(data []byte, blockSize uint64) []byte {
	blockCount := (uint64(len(data)) + blockSize - 1) / blockSize
	out := make([]byte, blockCount*sha256.Size)
	for b := uint64(0); b < blockCount; b++ {
		start := b * blockSize
		end := start + blockSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		sum := sha256.Sum256(data[start:end])
		copy(out[b*sha256.Size:], sum[:])
	}
	return out
}

// mergeLayerWindow reads the block-aligned decrypted window of one layer that
// covers [offset, offset+len(edit)) and splices the edit into it. Returned
// window offset is section-relative.
func (s *Section) mergeLayerWindow(layerOffset, layerSize uint64, edit []byte, offset uint64, blockSize uint64) ([]byte, uint64, error) {
	rel := offset - layerOffset
	alignedStart := utils.AlignDown(rel, blockSize)
	alignedEnd := utils.AlignUp(rel+uint64(len(edit)), blockSize)
	if alignedEnd > layerSize {
		alignedEnd = layerSize
	}

	window := make([]byte, alignedEnd-alignedStart)
	if err := s.Read(window, layerOffset+alignedStart); err != nil {
		return nil, 0, fmt.Errorf("reading original layer bytes raised %w", err)
	}
	copy(window[rel-alignedStart:], edit)
	return window, layerOffset + alignedStart, nil
}

// GenerateHierarchicalSha256Patch recomputes hashes upward from an edit in the
// payload region (the last configured region) and returns encrypted replacement
// blocks for every touched region. The master hash and the FS-header hash are
// rewritten in the in-memory header, which is marked dirty. Offset is relative
// to the section start. A section accepts exactly one patch; a second call
// fails with ErrPatchAlreadyGenerated.
func (s *Section) GenerateHierarchicalSha256Patch(data []byte, offset uint64) (*HierarchicalSha256Patch, error) {
	if !s.Enabled || s.Sha256Data == nil {
		return nil, ErrSectionDisabled
	}
	if s.ctx.Version == VersionNca0 {
		return nil, errors.New("patching NCA0 sections is not supported")
	}
	if s.patchGenerated {
		return nil, ErrPatchAlreadyGenerated
	}
	if len(data) == 0 {
		return nil, errors.New("empty patch data")
	}

	hd := s.Sha256Data
	payload := hd.Regions[hd.RegionCount-1]
	if offset < payload.Offset || offset+uint64(len(data)) > payload.Offset+payload.Size {
		return nil, fmt.Errorf("edit outside payload region - 0x%x+0x%x", offset, len(data))
	}

	patch := &HierarchicalSha256Patch{ContentID: s.ctx.ContentID}
	blockSize := uint64(hd.HashBlockSize)

	curData := data
	curOffset := offset
	for i := int(hd.RegionCount) - 1; i >= 1; i-- {
		region := hd.Regions[i]
		window, windowOffset, err := s.mergeLayerWindow(region.Offset, region.Size, curData, curOffset, blockSize)
		if err != nil {
			return nil, err
		}

		encrypted, absOffset, err := s.GenerateEncryptedSectionBlock(window, windowOffset)
		if err != nil {
			return nil, err
		}
		patch.Regions[i] = &SectionPatch{Offset: absOffset, Data: encrypted}

		//The hashes of this window become the parent region's new bytes
		blockIndex := (windowOffset - region.Offset) / blockSize
		curData = hashLayerBlocks(window, blockSize)
		curOffset = hd.Regions[i-1].Offset + (blockIndex * sha256.Size)
	}

	//Region 0 is rehashed in full for the new master hash
	region0 := hd.Regions[0]
	full := make([]byte, region0.Size)
	if err := s.Read(full, region0.Offset); err != nil {
		return nil, fmt.Errorf("reading hash region raised %w", err)
	}
	copy(full[curOffset-region0.Offset:], curData)

	encrypted, absOffset, err := s.GenerateEncryptedSectionBlock(full, region0.Offset)
	if err != nil {
		return nil, err
	}
	patch.Regions[0] = &SectionPatch{Offset: absOffset, Data: encrypted}

	master := sha256.Sum256(full)
	hd.MasterHash = master
	copy(s.HeaderRaw[0x8:0x28], master[:])
	s.ctx.updateFsHeaderHash(s.Index)

	s.patchGenerated = true
	return patch, nil
}

// GenerateHierarchicalIntegrityPatch is the IVFC counterpart: it walks the
// Merkle levels upward from an edit in the payload level, producing encrypted
// replacement blocks per level and rewriting the master hash. Offset is relative
// to the section start.
func (s *Section) GenerateHierarchicalIntegrityPatch(data []byte, offset uint64) (*HierarchicalIntegrityPatch, error) {
	if !s.Enabled || s.Integrity == nil {
		return nil, ErrSectionDisabled
	}
	if s.Type == SectionTypePatchRomFs {
		return nil, errors.New("cannot patch an AesCtrEx section")
	}
	if s.patchGenerated {
		return nil, ErrPatchAlreadyGenerated
	}
	if len(data) == 0 {
		return nil, errors.New("empty patch data")
	}

	meta := s.Integrity
	payload := meta.Levels[IVFCLevelCount-1]
	if offset < payload.Offset || offset+uint64(len(data)) > payload.Offset+payload.Size {
		return nil, fmt.Errorf("edit outside payload level - 0x%x+0x%x", offset, len(data))
	}

	patch := &HierarchicalIntegrityPatch{ContentID: s.ctx.ContentID}

	curData := data
	curOffset := offset
	for i := IVFCLevelCount - 1; i >= 1; i-- {
		level := meta.Levels[i]
		blockSize := uint64(1) << level.BlockOrder

		window, windowOffset, err := s.mergeLayerWindow(level.Offset, level.Size, curData, curOffset, blockSize)
		if err != nil {
			return nil, err
		}

		encrypted, absOffset, err := s.GenerateEncryptedSectionBlock(window, windowOffset)
		if err != nil {
			return nil, err
		}
		patch.Levels[i] = &SectionPatch{Offset: absOffset, Data: encrypted}

		blockIndex := (windowOffset - level.Offset) / blockSize
		curData = hashLayerBlocks(window, blockSize)
		curOffset = meta.Levels[i-1].Offset + (blockIndex * sha256.Size)
	}

	//Level 0 is rehashed in full for the new master hash
	level0 := meta.Levels[0]
	full := make([]byte, level0.Size)
	if err := s.Read(full, level0.Offset); err != nil {
		return nil, fmt.Errorf("reading top level raised %w", err)
	}
	copy(full[curOffset-level0.Offset:], curData)

	encrypted, absOffset, err := s.GenerateEncryptedSectionBlock(full, level0.Offset)
	if err != nil {
		return nil, err
	}
	patch.Levels[0] = &SectionPatch{Offset: absOffset, Data: encrypted}

	master := sha256.Sum256(full)
	meta.MasterHash = master
	copy(s.HeaderRaw[0xC8:0xE8], master[:])
	s.ctx.updateFsHeaderHash(s.Index)

	s.patchGenerated = true
	return patch, nil
}

// writePatchSlots splices every populated patch slot into the window of the
// encrypted content file held in buf. bufOffset is buf's position within the
// content file. Pure offset intersection; bytes outside the window are left for
// other chunks.
func writePatchSlots(slots []*SectionPatch, buf []byte, bufOffset uint64) {
	bufEnd := bufOffset + uint64(len(buf))
	for _, slot := range slots {
		if slot == nil {
			continue
		}
		slotEnd := slot.Offset + uint64(len(slot.Data))
		if slotEnd <= bufOffset || slot.Offset >= bufEnd {
			continue
		}

		start := slot.Offset
		if start < bufOffset {
			start = bufOffset
		}
		end := slotEnd
		if end > bufEnd {
			end = bufEnd
		}
		copy(buf[start-bufOffset:end-bufOffset], slot.Data[start-slot.Offset:end-slot.Offset])
	}
}

// WriteHierarchicalSha256PatchToBuffer applies a patch to a caller supplied
// window of the encrypted archive. Callers streaming a dump call this once per
// chunk. The dirty header is not handled here; re-encrypt it via EncryptHeader.
func WriteHierarchicalSha256PatchToBuffer(patch *HierarchicalSha256Patch, buf []byte, bufOffset uint64) {
	if patch == nil || len(buf) == 0 {
		return
	}
	writePatchSlots(patch.Regions[:], buf, bufOffset)
}

// WriteHierarchicalIntegrityPatchToBuffer is the IVFC counterpart of
// WriteHierarchicalSha256PatchToBuffer.
func WriteHierarchicalIntegrityPatchToBuffer(patch *HierarchicalIntegrityPatch, buf []byte, bufOffset uint64) {
	if patch == nil || len(buf) == 0 {
		return
	}
	writePatchSlots(patch.Levels[:], buf, bufOffset)
}
