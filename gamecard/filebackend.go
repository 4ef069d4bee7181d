package gamecard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileBackend serves a raw card image from disk, splitting it into the two
// storage areas at the boundary the header declares. Insert and Remove stand in
// for the physical hot-plug events.
type FileBackend struct {
	mu         sync.Mutex
	file       *os.File
	normalSize uint64
	secureSize uint64
	events     chan struct{}
}

func NewFileBackend() *FileBackend {
	return &FileBackend{events: make(chan struct{}, 4)}
}

// Insert mounts a raw card image. The normal/secure boundary comes from the
// secure area start field of the card header.
func (b *FileBackend) Insert(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening card image raised %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("statting card image raised %w", err)
	}

	header := make([]byte, HeaderLength)
	if _, err := file.ReadAt(header, 0); err != nil {
		file.Close()
		return fmt.Errorf("reading card image header raised %w", err)
	}
	if magic := string(header[0x100:0x104]); magic != HeaderMagic {
		file.Close()
		return fmt.Errorf("not a card image, invalid magic - >%s<", magic)
	}

	secureAreaStart := binary.LittleEndian.Uint32(header[0x104:0x108])
	normalSize := uint64(secureAreaStart) * MediaUnitSize
	if normalSize == 0 || normalSize >= uint64(info.Size()) {
		file.Close()
		return fmt.Errorf("card image declares a bad area split - 0x%x of 0x%x", normalSize, info.Size())
	}

	b.mu.Lock()
	if b.file != nil {
		b.file.Close()
	}
	b.file = file
	b.normalSize = normalSize
	b.secureSize = uint64(info.Size()) - normalSize
	b.mu.Unlock()

	b.signal()
	return nil
}

// Remove unmounts the current image.
func (b *FileBackend) Remove() {
	b.mu.Lock()
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
	b.mu.Unlock()
	b.signal()
}

func (b *FileBackend) signal() {
	select {
	case b.events <- struct{}{}:
	default:
	}
}

func (b *FileBackend) IsInserted() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil, nil
}

func (b *FileBackend) DetectionEvents() <-chan struct{} {
	return b.events
}

func (b *FileBackend) OpenArea(area AreaID) (AreaStorage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil, errors.New("no card image mounted")
	}

	if area == AreaSecure {
		return &fileAreaStorage{
			reader: io.NewSectionReader(b.file, int64(b.normalSize), int64(b.secureSize)),
			size:   b.secureSize,
		}, nil
	}
	return &fileAreaStorage{
		reader: io.NewSectionReader(b.file, 0, int64(b.normalSize)),
		size:   b.normalSize,
	}, nil
}

// fileAreaStorage is one area view over the image file. The file itself stays
// owned by the backend, so closing a handle is a no-op.
type fileAreaStorage struct {
	reader *io.SectionReader
	size   uint64
}

func (s *fileAreaStorage) ReadAt(p []byte, off int64) (int, error) {
	return s.reader.ReadAt(p, off)
}

func (s *fileAreaStorage) Size() uint64 { return s.size }

func (s *fileAreaStorage) Close() error { return nil }
