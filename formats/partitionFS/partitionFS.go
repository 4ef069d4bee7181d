package partitionfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	nca "github.com/pixelglade/cartkit/formats/NCA"
	"github.com/pixelglade/cartkit/formats/utils"
)

//https://wiki.oatmealdome.me/PFS0_(File_Format)
//https://switchbrew.org/wiki/XCI
//https://switchbrew.org/wiki/NCA (bottom)
// PFS0 partitions live inside NCA sections; the HFS0 variant with per-entry
// hashes is the gamecard flavor. Both share the same 0x10 byte static header.

const (
	StaticHeaderLength = 0x10 // Length up until the dynamic content
	PFSEntrySize       = 0x18
	HFSEntrySize       = 0x40
	PFS0Magic          = "PFS0"
	HFS0Magic          = "HFS0"
)

var ErrEntryNotFound = errors.New("no entry with that name")

// FileEntry is one partition member. Offset is relative to the partition start,
// with the header length already folded in.
type FileEntry struct {
	Offset uint64
	Size   uint64
	Name   string
}

// PartitionFS is the parsed representation of a PFS0/HFS0 header plus a handle
// to whatever backs the partition bytes: either a decrypted NCA section or a
// plain ReaderAt (the gamecard storage path).
type PartitionFS struct {
	Magic     string
	HeaderLen uint64
	Entries   []FileEntry

	section *nca.Section
	reader  io.ReaderAt
	offset  uint64 // Partition start within the section or reader
}

// FromSection parses a partition held in a NCA section. The partition starts at
// the section's payload hash region.
func FromSection(section *nca.Section) (*PartitionFS, error) {
	if section == nil || !section.Enabled {
		return nil, errors.New("section is nil or disabled")
	}
	if section.Sha256Data == nil {
		return nil, errors.New("section carries no flat hash data")
	}
	payload := section.Sha256Data.Regions[section.Sha256Data.RegionCount-1]

	partition := &PartitionFS{section: section, offset: payload.Offset}
	if err := partition.parse(); err != nil {
		return nil, err
	}
	return partition, nil
}

// FromReaderAt parses a partition from an already decrypted byte store, as used
// for the gamecard HFS0 roots.
func FromReaderAt(reader io.ReaderAt, offset uint64) (*PartitionFS, error) {
	if reader == nil {
		return nil, errors.New("nil reader")
	}
	partition := &PartitionFS{reader: reader, offset: offset}
	if err := partition.parse(); err != nil {
		return nil, err
	}
	return partition, nil
}

// readRaw reads partition-relative bytes from whichever store backs us.
func (partition *PartitionFS) readRaw(out []byte, offset uint64) error {
	if partition.section != nil {
		return partition.section.Read(out, partition.offset+offset)
	}
	if _, err := partition.reader.ReadAt(out, int64(partition.offset+offset)); err != nil {
		return fmt.Errorf("partition read failed - %w", err)
	}
	return nil
}

func (partition *PartitionFS) parse() error {
	header := make([]byte, StaticHeaderLength)
	if err := partition.readRaw(header, 0); err != nil {
		return fmt.Errorf("reading the partition header failed with %w", err)
	}

	magic := string(header[0:0x4])
	entrySize := 0
	switch magic {
	case PFS0Magic:
		entrySize = PFSEntrySize
	case HFS0Magic:
		entrySize = HFSEntrySize
	default:
		return fmt.Errorf("invalid filesystem magic. Wanted %s/%s, got >%s<", PFS0Magic, HFS0Magic, magic)
	}
	partition.Magic = magic

	entryCount := int(binary.LittleEndian.Uint32(header[0x4:0x8]))
	nameTableLength := int(binary.LittleEndian.Uint32(header[0x8:0xC]))
	if entryCount == 0 {
		return errors.New("partition holds no entries")
	}

	partition.HeaderLen = uint64(StaticHeaderLength + (entrySize * entryCount) + nameTableLength)

	//The entry table and name table are one contiguous heap block
	heap := make([]byte, partition.HeaderLen-StaticHeaderLength)
	if err := partition.readRaw(heap, StaticHeaderLength); err != nil {
		return fmt.Errorf("reading the partition entry+name tables failed with %w", err)
	}

	nameTableStart := entrySize * entryCount
	entries := make([]FileEntry, entryCount)
	for i := 0; i < entryCount; i++ {
		recordStart := entrySize * i
		entries[i].Offset = binary.LittleEndian.Uint64(heap[recordStart:recordStart+0x8]) + partition.HeaderLen
		entries[i].Size = binary.LittleEndian.Uint64(heap[recordStart+0x8 : recordStart+0x10])
		nameOffset := binary.LittleEndian.Uint32(heap[recordStart+0x10 : recordStart+0x14])
		//After the name offset is padding (PFS0) or hash target info (HFS0)

		nameStart := nameTableStart + int(nameOffset)
		if nameStart >= len(heap) {
			return fmt.Errorf("corrupted entry %d, name offset beyond end of header - %d", i, nameStart)
		}
		entries[i].Name = utils.CString(heap[nameStart:])
	}
	partition.Entries = entries
	return nil
}

func (partition *PartitionFS) EntryCount() int {
	return len(partition.Entries)
}

// ByIndex returns the entry at the given table position.
func (partition *PartitionFS) ByIndex(index int) (*FileEntry, error) {
	if index < 0 || index >= len(partition.Entries) {
		return nil, fmt.Errorf("entry index out of range - %d", index)
	}
	return &partition.Entries[index], nil
}

// ByName scans the entry table for a name match. HFS0 partitions compare case
// insensitively, PFS0 ones exactly.
func (partition *PartitionFS) ByName(name string) (*FileEntry, int, error) {
	for i := range partition.Entries {
		entryName := partition.Entries[i].Name
		if partition.Magic == HFS0Magic {
			if strings.EqualFold(entryName, name) {
				return &partition.Entries[i], i, nil
			}
		} else if entryName == name {
			return &partition.Entries[i], i, nil
		}
	}
	return nil, 0, ErrEntryNotFound
}

// TotalDataSize sums all entry sizes, the extracted total of the partition.
func (partition *PartitionFS) TotalDataSize() uint64 {
	var total uint64
	for _, entry := range partition.Entries {
		total += entry.Size
	}
	return total
}

// ReadPartitionData reads partition-relative bytes, header included.
func (partition *PartitionFS) ReadPartitionData(out []byte, offset uint64) error {
	if len(out) == 0 {
		return errors.New("empty read")
	}
	return partition.readRaw(out, offset)
}

// ReadEntryData reads bytes from within one entry. Offset is entry-relative.
func (partition *PartitionFS) ReadEntryData(entry *FileEntry, out []byte, offset uint64) error {
	if entry == nil {
		return errors.New("nil entry")
	}
	if len(out) == 0 {
		return errors.New("empty read")
	}
	if offset+uint64(len(out)) > entry.Size {
		return fmt.Errorf("entry read out of bounds - 0x%x+0x%x > 0x%x", offset, len(out), entry.Size)
	}
	return partition.readRaw(out, entry.Offset+offset)
}

// GenerateEntryPatch rewrites part of one entry through the section's hash
// patcher, translating the entry-relative offset down to the section. Only
// partitions backed by a NCA section can be patched.
func (partition *PartitionFS) GenerateEntryPatch(entry *FileEntry, data []byte, offset uint64) (*nca.HierarchicalSha256Patch, error) {
	if partition.section == nil {
		return nil, errors.New("partition is not backed by a NCA section")
	}
	if entry == nil {
		return nil, errors.New("nil entry")
	}
	if offset+uint64(len(data)) > entry.Size {
		return nil, fmt.Errorf("patch out of entry bounds - 0x%x+0x%x > 0x%x", offset, len(data), entry.Size)
	}
	return partition.section.GenerateHierarchicalSha256Patch(data, partition.offset+entry.Offset+offset)
}
