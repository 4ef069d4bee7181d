package gamecard

import (
	"errors"
	"fmt"
	"io"

	"github.com/avast/retry-go"
	"github.com/pixelglade/cartkit/formats/utils"
	"github.com/rs/zerolog/log"
)

// AreaID selects one of the card's two storage areas.
type AreaID int

const (
	AreaNormal AreaID = iota
	AreaSecure
)

func (a AreaID) String() string {
	if a == AreaSecure {
		return "secure"
	}
	return "normal"
}

// AreaStorage is one opened storage area. Reads are area-relative.
type AreaStorage interface {
	io.ReaderAt
	Size() uint64
	Close() error
}

// Backend abstracts the physical card interface: insertion state, hot-plug
// detection wakeups and storage area handles. The platform only allows one
// open handle per card, which the service enforces.
type Backend interface {
	IsInserted() (bool, error)
	DetectionEvents() <-chan struct{}
	OpenArea(area AreaID) (AreaStorage, error)
}

// Handle acquisition can transiently fail while the platform re-mounts the
// card, so opens retry up to a fixed bound.
const areaOpenAttempts = 10

const scratchSize = 0x4000

// openAreaLocked returns a handle for the requested area, reusing the cached
// one where possible. Caller must hold the service mutex.
func (service *Service) openAreaLocked(area AreaID) (AreaStorage, error) {
	if service.openStorage != nil {
		if service.openArea == area {
			return service.openStorage, nil
		}
		if err := service.openStorage.Close(); err != nil {
			log.Warn().Err(err).Str("area", service.openArea.String()).Msg("Closing storage area failed")
		}
		service.openStorage = nil
	}

	var storage AreaStorage
	err := retry.Do(func() error {
		opened, err := service.backend.OpenArea(area)
		if err != nil {
			return err
		}
		storage = opened
		return nil
	}, retry.Attempts(areaOpenAttempts), retry.LastErrorOnly(true))
	if err != nil {
		return nil, fmt.Errorf("opening %s storage area failed after %d attempts - %w", area, areaOpenAttempts, err)
	}

	service.openArea = area
	service.openStorage = storage
	return storage, nil
}

func (service *Service) closeAreaLocked() {
	if service.openStorage == nil {
		return
	}
	if err := service.openStorage.Close(); err != nil {
		log.Warn().Err(err).Str("area", service.openArea.String()).Msg("Closing storage area failed")
	}
	service.openStorage = nil
}

// readStorageLocked reads card-relative bytes, routing to the right area and
// splitting reads that straddle the normal/secure boundary. Caller must hold
// the service mutex.
func (service *Service) readStorageLocked(out []byte, offset uint64) error {
	if len(out) == 0 {
		return errors.New("empty read")
	}
	total := service.normalSize + service.secureSize
	if offset+uint64(len(out)) > total {
		return fmt.Errorf("card read out of bounds - 0x%x+0x%x > 0x%x", offset, len(out), total)
	}

	//Straddling reads split at the boundary and recurse once per area
	if offset < service.normalSize && offset+uint64(len(out)) > service.normalSize {
		normalPart := service.normalSize - offset
		if err := service.readStorageLocked(out[:normalPart], offset); err != nil {
			return err
		}
		return service.readStorageLocked(out[normalPart:], service.normalSize)
	}

	area := AreaNormal
	areaOffset := offset
	if offset >= service.normalSize {
		area = AreaSecure
		areaOffset = offset - service.normalSize
	}
	storage, err := service.openAreaLocked(area)
	if err != nil {
		return err
	}
	return service.readAreaLocked(storage, out, areaOffset)
}

// readAreaLocked handles sector alignment against one open area: aligned spans
// go straight through, ragged edges bounce through the fixed scratch buffer.
func (service *Service) readAreaLocked(storage AreaStorage, out []byte, offset uint64) error {
	remaining := out
	pos := offset

	//Leading ragged edge
	if pos%MediaUnitSize != 0 {
		alignedStart := utils.AlignDown(pos, MediaUnitSize)
		span := utils.AlignUp(pos+uint64(len(remaining)), MediaUnitSize) - alignedStart
		if span > scratchSize {
			span = scratchSize
		}
		if _, err := storage.ReadAt(service.scratch[:span], int64(alignedStart)); err != nil {
			return fmt.Errorf("card storage read failed - %w", err)
		}
		copied := copy(remaining, service.scratch[pos-alignedStart:span])
		remaining = remaining[copied:]
		pos += uint64(copied)
	}
	if len(remaining) == 0 {
		return nil
	}

	//Aligned middle, straight to the backend
	alignedLen := utils.AlignDown(uint64(len(remaining)), MediaUnitSize)
	if alignedLen > 0 {
		if _, err := storage.ReadAt(remaining[:alignedLen], int64(pos)); err != nil {
			return fmt.Errorf("card storage read failed - %w", err)
		}
		remaining = remaining[alignedLen:]
		pos += alignedLen
	}
	if len(remaining) == 0 {
		return nil
	}

	//Trailing ragged edge
	if _, err := storage.ReadAt(service.scratch[:MediaUnitSize], int64(pos)); err != nil {
		return fmt.Errorf("card storage read failed - %w", err)
	}
	copy(remaining, service.scratch[:len(remaining)])
	return nil
}

// storageReader adapts the locked card read path to io.ReaderAt for the
// partition parsers. Only used while the service mutex is held.
type storageReader struct {
	service *Service
}

func (r storageReader) ReadAt(p []byte, off int64) (int, error) {
	if err := r.service.readStorageLocked(p, uint64(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}
