package partitionfs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FileContext builds a PFS0 header incrementally for archive authoring. Entries
// accumulate with their cumulative data offsets; the header is serialized last,
// once all entries are known.
type FileContext struct {
	entries   []pendingEntry
	nameTable []byte
	dataSize  uint64
}

type pendingEntry struct {
	offset     uint64 // Relative to the start of the data area
	size       uint64
	nameOffset uint32
	nameLen    int
}

func NewFileContext() *FileContext {
	return &FileContext{}
}

// AddEntry appends one file to the context, growing the entry array and name
// table and tracking the cumulative data size. Returns the new entry's index.
func (fc *FileContext) AddEntry(name string, size uint64) (int, error) {
	if len(name) == 0 {
		return 0, errors.New("empty entry name")
	}
	if size == 0 {
		return 0, errors.New("empty entry")
	}

	entry := pendingEntry{
		offset:     fc.dataSize,
		size:       size,
		nameOffset: uint32(len(fc.nameTable)),
		nameLen:    len(name),
	}
	fc.entries = append(fc.entries, entry)
	fc.nameTable = append(fc.nameTable, name...)
	fc.nameTable = append(fc.nameTable, 0)
	fc.dataSize += size
	return len(fc.entries) - 1, nil
}

// UpdateEntryName rewrites one entry's name in place. The new name must fit the
// old name's storage; the name table is never reflowed.
func (fc *FileContext) UpdateEntryName(index int, name string) error {
	if index < 0 || index >= len(fc.entries) {
		return fmt.Errorf("entry index out of range - %d", index)
	}
	entry := &fc.entries[index]
	if len(name) > entry.nameLen {
		return fmt.Errorf("new name does not fit - %d > %d", len(name), entry.nameLen)
	}

	start := int(entry.nameOffset)
	copy(fc.nameTable[start:start+entry.nameLen], name)
	for i := start + len(name); i < start+entry.nameLen; i++ {
		fc.nameTable[i] = 0
	}
	entry.nameLen = len(name)
	return nil
}

func (fc *FileContext) EntryCount() int {
	return len(fc.entries)
}

// DataSize is the cumulative size of all entry payloads.
func (fc *FileContext) DataSize() uint64 {
	return fc.dataSize
}

// HeaderSize is the serialized header length: static header, entry table and
// name table.
func (fc *FileContext) HeaderSize() uint64 {
	return uint64(StaticHeaderLength + (len(fc.entries) * PFSEntrySize) + len(fc.nameTable))
}

// WriteHeader serializes the PFS0 header into buf, which must be at least
// HeaderSize bytes.
func (fc *FileContext) WriteHeader(buf []byte) error {
	if len(fc.entries) == 0 {
		return errors.New("no entries to serialize")
	}
	needed := fc.HeaderSize()
	if uint64(len(buf)) < needed {
		return fmt.Errorf("buffer too small for header - 0x%x < 0x%x", len(buf), needed)
	}

	copy(buf[0x0:0x4], PFS0Magic)
	binary.LittleEndian.PutUint32(buf[0x4:0x8], uint32(len(fc.entries)))
	binary.LittleEndian.PutUint32(buf[0x8:0xC], uint32(len(fc.nameTable)))
	binary.LittleEndian.PutUint32(buf[0xC:0x10], 0)

	for i, entry := range fc.entries {
		recordStart := StaticHeaderLength + (i * PFSEntrySize)
		binary.LittleEndian.PutUint64(buf[recordStart:recordStart+0x8], entry.offset)
		binary.LittleEndian.PutUint64(buf[recordStart+0x8:recordStart+0x10], entry.size)
		binary.LittleEndian.PutUint32(buf[recordStart+0x10:recordStart+0x14], entry.nameOffset)
		binary.LittleEndian.PutUint32(buf[recordStart+0x14:recordStart+0x18], 0)
	}
	copy(buf[StaticHeaderLength+(len(fc.entries)*PFSEntrySize):], fc.nameTable)
	return nil
}
