package gamecard

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	partitionfs "github.com/pixelglade/cartkit/formats/partitionFS"
	"github.com/pixelglade/cartkit/keystore"
	"github.com/rs/zerolog/log"
)

// Status is the externally visible card state.
type Status int

const (
	StatusNoCard   Status = iota
	StatusInserted // Card present, info not loaded yet
	StatusReady    // Card present and info loaded
)

func (s Status) String() string {
	switch s {
	case StatusInserted:
		return "inserted"
	case StatusReady:
		return "ready"
	}
	return "no card"
}

// PartitionType selects one of the card's hash filesystems.
type PartitionType int

const (
	PartitionRoot PartitionType = iota
	PartitionUpdate
	PartitionNormal
	PartitionSecure
	PartitionLogo
)

var partitionNames = map[PartitionType]string{
	PartitionUpdate: "update",
	PartitionNormal: "normal",
	PartitionSecure: "secure",
	PartitionLogo:   "logo",
}

var ErrNotReady = errors.New("no card ready")

// settleDelay gives the platform time to finish its own mount work after an
// insertion before we start reading.
const defaultSettleDelay = 3 * time.Second

// Service owns the card backend: it runs the hot-plug detection task, caches
// the parsed header and partitions while a card is ready, and serializes all
// physical access behind one mutex since only one storage handle may be open.
type Service struct {
	keys    *keystore.Keystore
	backend Backend

	settleDelay time.Duration

	mu          sync.Mutex
	inserted    bool
	infoLoaded  bool
	header      *Header
	extended    *ExtendedInfo
	certificate []byte
	normalSize  uint64
	secureSize  uint64
	openArea    AreaID
	openStorage AreaStorage
	partitions  map[PartitionType]*partitionfs.PartitionFS
	scratch     []byte
	subscribers []chan Status

	exit chan struct{}
	wg   sync.WaitGroup
}

func NewService(keys *keystore.Keystore, backend Backend) *Service {
	return &Service{
		keys:        keys,
		backend:     backend,
		settleDelay: defaultSettleDelay,
		scratch:     make([]byte, scratchSize),
		exit:        make(chan struct{}),
	}
}

// SetSettleDelay overrides the post-insertion settle delay. Must be called
// before Start.
func (service *Service) SetSettleDelay(delay time.Duration) {
	if delay > 0 {
		service.settleDelay = delay
	}
}

// Start launches the detection task and loads info for a card already present.
func (service *Service) Start() error {
	inserted, err := service.backend.IsInserted()
	if err != nil {
		return fmt.Errorf("querying card state raised %w", err)
	}
	if inserted {
		service.mu.Lock()
		service.inserted = true
		if err := service.loadInfoLocked(); err != nil {
			log.Warn().Err(err).Msg("Loading card info failed")
		}
		service.mu.Unlock()
	}

	service.wg.Add(1)
	go service.detectionWorker()
	return nil
}

// Stop terminates the detection task and releases card resources.
func (service *Service) Stop() {
	close(service.exit)
	service.wg.Wait()

	service.mu.Lock()
	service.unloadInfoLocked()
	for _, sub := range service.subscribers {
		close(sub)
	}
	service.subscribers = nil
	service.mu.Unlock()
}

// Subscribe returns a channel receiving status transitions. Slow consumers
// miss updates rather than blocking the detection task.
func (service *Service) Subscribe() <-chan Status {
	sub := make(chan Status, 8)
	service.mu.Lock()
	service.subscribers = append(service.subscribers, sub)
	service.mu.Unlock()
	return sub
}

func (service *Service) notifyLocked(status Status) {
	for _, sub := range service.subscribers {
		select {
		case sub <- status:
		default:
		}
	}
}

func (service *Service) detectionWorker() {
	defer service.wg.Done()
	events := service.backend.DetectionEvents()
	for {
		select {
		case <-service.exit:
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			service.handleDetectionEvent()
		}
	}
}

func (service *Service) handleDetectionEvent() {
	inserted, err := service.backend.IsInserted()
	if err != nil {
		log.Warn().Err(err).Msg("Querying card state failed")
		return
	}

	service.mu.Lock()
	wasInserted := service.inserted
	service.mu.Unlock()
	if inserted == wasInserted {
		return
	}

	if !inserted {
		service.mu.Lock()
		service.inserted = false
		service.unloadInfoLocked()
		log.Info().Msg("Card removed")
		service.notifyLocked(StatusNoCard)
		service.mu.Unlock()
		return
	}

	service.mu.Lock()
	service.inserted = true
	service.notifyLocked(StatusInserted)
	service.mu.Unlock()

	//Let the platform's own mount logic win the race before reading
	select {
	case <-service.exit:
		return
	case <-time.After(service.settleDelay):
	}

	service.mu.Lock()
	defer service.mu.Unlock()
	if !service.inserted {
		return
	}
	if err := service.loadInfoLocked(); err != nil {
		log.Warn().Err(err).Msg("Loading card info failed")
		return
	}
	log.Info().Uint64("size", service.normalSize+service.secureSize).Msg("Card ready")
	service.notifyLocked(StatusReady)
}

// loadInfoLocked opens both storage areas, parses the header and all hash
// filesystems. Any failure unwinds to the empty state.
func (service *Service) loadInfoLocked() (err error) {
	defer func() {
		if err != nil {
			service.unloadInfoLocked()
			service.inserted = true
		}
	}()

	normal, err := service.openAreaLocked(AreaNormal)
	if err != nil {
		return err
	}
	service.normalSize = normal.Size()

	rawHeader := make([]byte, HeaderLength)
	if err := service.readAreaLocked(normal, rawHeader, 0); err != nil {
		return fmt.Errorf("reading card header raised %w", err)
	}
	header, err := ParseHeader(rawHeader)
	if err != nil {
		return err
	}
	service.header = header

	if service.keys != nil {
		if extended, err := header.DecryptExtendedInfo(service.keys); err != nil {
			//The xci header key is optional; carry on without card info
			log.Debug().Err(err).Msg("Card info decryption unavailable")
		} else {
			service.extended = extended
		}
	}

	secure, err := service.openAreaLocked(AreaSecure)
	if err != nil {
		return err
	}
	service.secureSize = secure.Size()

	if err := service.loadPartitionsLocked(); err != nil {
		return err
	}

	service.infoLoaded = true
	return nil
}

func (service *Service) loadPartitionsLocked() error {
	header := service.header
	reader := storageReader{service: service}

	//Validate the declared root header range before trusting it with an allocation
	cardSize := service.normalSize + service.secureSize
	if header.PfsHeaderAddr > cardSize || header.PfsHeaderSize > cardSize-header.PfsHeaderAddr {
		return fmt.Errorf("root partition header out of bounds - 0x%x+0x%x > 0x%x", header.PfsHeaderAddr, header.PfsHeaderSize, cardSize)
	}

	//The root header hash in the card header guards the partition metadata
	rootHeader := make([]byte, header.PfsHeaderSize)
	if err := service.readStorageLocked(rootHeader, header.PfsHeaderAddr); err != nil {
		return fmt.Errorf("reading root partition header raised %w", err)
	}
	actual := sha256.Sum256(rootHeader)
	if !bytes.Equal(actual[:], header.PfsHeaderHash[:]) {
		return errors.New("root partition header hash mismatch")
	}

	root, err := partitionfs.FromReaderAt(reader, header.PfsHeaderAddr)
	if err != nil {
		return fmt.Errorf("parsing root partition raised %w", err)
	}

	partitions := map[PartitionType]*partitionfs.PartitionFS{PartitionRoot: root}
	for partType, name := range partitionNames {
		entry, _, err := root.ByName(name)
		if err != nil {
			continue // Not all cards carry every child partition
		}
		child, err := partitionfs.FromReaderAt(reader, header.PfsHeaderAddr+entry.Offset)
		if err != nil {
			return fmt.Errorf("parsing %s partition raised %w", name, err)
		}
		partitions[partType] = child
	}
	service.partitions = partitions
	return nil
}

// unloadInfoLocked drops everything cached for the current card.
func (service *Service) unloadInfoLocked() {
	service.closeAreaLocked()
	service.infoLoaded = false
	service.inserted = false
	service.header = nil
	service.extended = nil
	service.certificate = nil
	service.normalSize = 0
	service.secureSize = 0
	service.partitions = nil
}

// IsReady reports whether a card is inserted with its info loaded.
func (service *Service) IsReady() bool {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.inserted && service.infoLoaded
}

func (service *Service) readyLocked() error {
	if !service.inserted || !service.infoLoaded {
		return ErrNotReady
	}
	return nil
}

// Header returns a copy of the parsed card header.
func (service *Service) Header() (Header, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return Header{}, err
	}
	return *service.header, nil
}

// TotalSize is the combined size of both storage areas.
func (service *Service) TotalSize() (uint64, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return 0, err
	}
	return service.normalSize + service.secureSize, nil
}

// TrimmedSize is the header plus every media unit up to the card's valid data
// end address.
func (service *Service) TrimmedSize() (uint64, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return 0, err
	}
	return HeaderLength + (uint64(service.header.ValidDataEnd) * MediaUnitSize), nil
}

// RomCapacity is the card's nominal capacity from its rom size code.
func (service *Service) RomCapacity() (uint64, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return 0, err
	}
	return service.header.RomCapacity()
}

// Certificate returns the card's device certificate, read on first use and
// cached until removal.
func (service *Service) Certificate() ([]byte, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return nil, err
	}
	if service.certificate == nil {
		certificate := make([]byte, certificateLength)
		if err := service.readStorageLocked(certificate, certificateOffset); err != nil {
			return nil, fmt.Errorf("reading card certificate raised %w", err)
		}
		service.certificate = certificate
	}
	return append([]byte{}, service.certificate...), nil
}

// BundledFirmwareVersion is the update partition version from the decrypted
// card info, when the xci header key was available.
func (service *Service) BundledFirmwareVersion() (uint32, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return 0, err
	}
	if service.extended == nil {
		return 0, errors.New("card info was not decryptable")
	}
	return service.extended.UppVersion, nil
}

// ReadStorage reads card-relative bytes across both areas.
func (service *Service) ReadStorage(out []byte, offset uint64) error {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return err
	}
	return service.readStorageLocked(out, offset)
}

// EntryCount returns the number of files in one hash filesystem.
func (service *Service) EntryCount(partType PartitionType) (int, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return 0, err
	}
	partition, ok := service.partitions[partType]
	if !ok {
		return 0, fmt.Errorf("card has no partition %d", partType)
	}
	return partition.EntryCount(), nil
}

// EntryByIndex returns one hash filesystem entry by table position.
func (service *Service) EntryByIndex(partType PartitionType, index int) (partitionfs.FileEntry, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return partitionfs.FileEntry{}, err
	}
	partition, ok := service.partitions[partType]
	if !ok {
		return partitionfs.FileEntry{}, fmt.Errorf("card has no partition %d", partType)
	}
	entry, err := partition.ByIndex(index)
	if err != nil {
		return partitionfs.FileEntry{}, err
	}
	return *entry, nil
}

// EntryByName scans one hash filesystem for a name match.
func (service *Service) EntryByName(partType PartitionType, name string) (partitionfs.FileEntry, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return partitionfs.FileEntry{}, err
	}
	partition, ok := service.partitions[partType]
	if !ok {
		return partitionfs.FileEntry{}, fmt.Errorf("card has no partition %d", partType)
	}
	entry, _, err := partition.ByName(name)
	if err != nil {
		return partitionfs.FileEntry{}, err
	}
	return *entry, nil
}

// ReadEntry reads entry-relative bytes from one hash filesystem file.
func (service *Service) ReadEntry(partType PartitionType, name string, out []byte, offset uint64) error {
	service.mu.Lock()
	defer service.mu.Unlock()
	if err := service.readyLocked(); err != nil {
		return err
	}
	partition, ok := service.partitions[partType]
	if !ok {
		return fmt.Errorf("card has no partition %d", partType)
	}
	entry, _, err := partition.ByName(name)
	if err != nil {
		return err
	}
	return partition.ReadEntryData(entry, out, offset)
}
