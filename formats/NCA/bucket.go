package nca

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BKTR tables are stored as 0x4000 nodes: one table header node holding the
// bucket count and per-bucket base offsets, then one node per bucket.
const bucketNodeSize = 0x4000

// AesCtrExEntry maps one physical run of a patch section to the counter value
// its ciphertext was produced with. Offsets are relative to the section start.
type AesCtrExEntry struct {
	Offset uint64
	Size   uint64
	CtrVal uint32
}

// IndirectEntry maps a virtual (patched view) offset to a physical offset in
// either the base content (storage 0) or the patch content itself (storage 1).
type IndirectEntry struct {
	VirtualOffset  uint64
	PhysicalOffset uint64
	StorageIndex   uint32
}

// readBucketTable fetches and decrypts one raw bucket table. Table bytes are
// regular AES-CTR ciphertext; only the runs the table itself describes use
// extended counters.
func (s *Section) readBucketTable(info BucketInfo) ([]byte, error) {
	if s.ctrCipher == nil {
		return nil, errors.New("section has no counter crypto")
	}
	if info.Size < bucketNodeSize || info.Offset+info.Size > s.Size {
		return nil, fmt.Errorf("bucket table out of bounds - 0x%x+0x%x", info.Offset, info.Size)
	}

	raw := make([]byte, info.Size)
	if err := s.ctx.ReadContentFile(raw, s.Offset+info.Offset); err != nil {
		return nil, fmt.Errorf("reading bucket table raised %w", err)
	}
	s.ctrCipher.XORKeyStreamAt(raw, raw, s.Offset+info.Offset)
	return raw, nil
}

// bucketNodes validates the table header and returns one slice per bucket node.
func bucketNodes(raw []byte) ([][]byte, uint64, error) {
	bucketCount := binary.LittleEndian.Uint32(raw[0x4:0x8])
	endOffset := binary.LittleEndian.Uint64(raw[0x8:0x10])
	if bucketCount == 0 {
		return nil, 0, errors.New("bucket table holds no buckets")
	}
	needed := uint64(bucketCount+1) * bucketNodeSize
	if uint64(len(raw)) < needed {
		return nil, 0, fmt.Errorf("bucket table truncated - 0x%x < 0x%x", len(raw), needed)
	}

	nodes := make([][]byte, bucketCount)
	for b := uint32(0); b < bucketCount; b++ {
		start := uint64(b+1) * bucketNodeSize
		nodes[b] = raw[start : start+bucketNodeSize]
	}
	return nodes, endOffset, nil
}

// ReadAesCtrExBucket parses the section's counter bucket table into physical
// runs with their counter values. Results are cached on the section.
func (s *Section) ReadAesCtrExBucket() ([]AesCtrExEntry, error) {
	if !s.Enabled || s.Type != SectionTypePatchRomFs {
		return nil, ErrSectionDisabled
	}
	if s.ctrExEntries != nil {
		return s.ctrExEntries, nil
	}

	raw, err := s.readBucketTable(s.PatchInfo.AesCtrEx)
	if err != nil {
		return nil, err
	}
	nodes, tableEnd, err := bucketNodes(raw)
	if err != nil {
		return nil, err
	}

	var entries []AesCtrExEntry
	for b, node := range nodes {
		entryCount := binary.LittleEndian.Uint32(node[0x4:0x8])
		bucketEnd := binary.LittleEndian.Uint64(node[0x8:0x10])
		if b == len(nodes)-1 && bucketEnd == 0 {
			bucketEnd = tableEnd
		}
		const entrySize = 0x10
		if uint64(entryCount)*entrySize > bucketNodeSize-0x10 {
			return nil, fmt.Errorf("bucket %d entry count too large - %d", b, entryCount)
		}

		for e := uint32(0); e < entryCount; e++ {
			base := 0x10 + (e * entrySize)
			entry := AesCtrExEntry{
				Offset: binary.LittleEndian.Uint64(node[base : base+8]),
				CtrVal: binary.LittleEndian.Uint32(node[base+12 : base+16]),
			}
			//Run length comes from the next entry, or the bucket end for the last one
			if e+1 < entryCount {
				next := binary.LittleEndian.Uint64(node[base+entrySize : base+entrySize+8])
				entry.Size = next - entry.Offset
			} else {
				entry.Size = bucketEnd - entry.Offset
			}
			entries = append(entries, entry)
		}
	}

	s.ctrExEntries = entries
	return entries, nil
}

// ReadIndirectBucket parses the section's relocation bucket table. The entries
// are returned in virtual offset order; callers resolving against a base
// content must supply that content themselves.
func (s *Section) ReadIndirectBucket() ([]IndirectEntry, error) {
	if !s.Enabled || s.Type != SectionTypePatchRomFs {
		return nil, ErrSectionDisabled
	}
	if s.indirectEntries != nil {
		return s.indirectEntries, nil
	}

	raw, err := s.readBucketTable(s.PatchInfo.Indirect)
	if err != nil {
		return nil, err
	}
	nodes, _, err := bucketNodes(raw)
	if err != nil {
		return nil, err
	}

	var entries []IndirectEntry
	for b, node := range nodes {
		entryCount := binary.LittleEndian.Uint32(node[0x4:0x8])
		const entrySize = 0x14
		if uint64(entryCount)*entrySize > bucketNodeSize-0x10 {
			return nil, fmt.Errorf("bucket %d entry count too large - %d", b, entryCount)
		}
		for e := uint32(0); e < entryCount; e++ {
			base := 0x10 + (e * entrySize)
			entries = append(entries, IndirectEntry{
				VirtualOffset:  binary.LittleEndian.Uint64(node[base : base+8]),
				PhysicalOffset: binary.LittleEndian.Uint64(node[base+8 : base+16]),
				StorageIndex:   binary.LittleEndian.Uint32(node[base+16 : base+20]),
			})
		}
	}

	s.indirectEntries = entries
	return entries, nil
}

// ReadPatchSection decrypts patch section bytes by walking the counter bucket:
// every physical run covering the request is read with its own counter value.
// Offset is relative to the section start.
func (s *Section) ReadPatchSection(out []byte, offset uint64) error {
	if len(out) == 0 {
		return errors.New("empty read")
	}
	entries, err := s.ReadAesCtrExBucket()
	if err != nil {
		return err
	}

	cur := offset
	remaining := uint64(len(out))
	for _, entry := range entries {
		if remaining == 0 {
			break
		}
		if entry.Offset+entry.Size <= cur || entry.Offset > cur {
			continue
		}

		runLeft := entry.Offset + entry.Size - cur
		readLen := remaining
		if readLen > runLeft {
			readLen = runLeft
		}
		pos := cur - offset
		if err := s.ReadAesCtrEx(out[pos:pos+readLen], cur, entry.CtrVal); err != nil {
			return err
		}
		cur += readLen
		remaining -= readLen
	}

	if remaining != 0 {
		return fmt.Errorf("patch section range not covered by counter bucket - 0x%x+0x%x", offset, len(out))
	}
	return nil
}
