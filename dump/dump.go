package dump

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	nca "github.com/pixelglade/cartkit/formats/NCA"
	"github.com/pixelglade/cartkit/gamecard"
	"github.com/rs/zerolog/log"
)

const DefaultChunkSize = 0x100000

// Patcher rewrites parts of one dump chunk in place. offset is the chunk's
// position within the dumped image.
type Patcher func(buf []byte, offset uint64)

// Options tunes one dump run.
type Options struct {
	ChunkSize int
	Zstd      bool // Compress the output stream
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

// Dump streams size bytes from reader to out, applying every patcher to each
// chunk on the way through. Only one chunk is held in memory at a time.
func Dump(reader io.ReaderAt, size uint64, out io.Writer, opts Options, patchers ...Patcher) (uint64, error) {
	if reader == nil || out == nil {
		return 0, errors.New("nil reader or writer")
	}
	if size == 0 {
		return 0, errors.New("nothing to dump")
	}

	target := out
	var encoder *zstd.Encoder
	if opts.Zstd {
		enc, err := zstd.NewWriter(out)
		if err != nil {
			return 0, fmt.Errorf("creating zstd writer raised %w", err)
		}
		encoder = enc
		target = enc
	}

	chunk := make([]byte, opts.chunkSize())
	var written uint64
	for offset := uint64(0); offset < size; offset += uint64(len(chunk)) {
		span := chunk
		if remaining := size - offset; remaining < uint64(len(chunk)) {
			span = chunk[:remaining]
		}
		if _, err := reader.ReadAt(span, int64(offset)); err != nil {
			return written, fmt.Errorf("dump read at 0x%x raised %w", offset, err)
		}
		for _, patcher := range patchers {
			patcher(span, offset)
		}
		n, err := target.Write(span)
		written += uint64(n)
		if err != nil {
			return written, fmt.Errorf("dump write at 0x%x raised %w", offset, err)
		}
	}

	if encoder != nil {
		if err := encoder.Close(); err != nil {
			return written, fmt.Errorf("finishing zstd stream raised %w", err)
		}
	}
	log.Info().Uint64("size", size).Bool("zstd", opts.Zstd).Msg("Dump complete")
	return written, nil
}

// spliceBytes overwrites the part of buf that intersects data placed at
// dataOffset within the image.
func spliceBytes(buf []byte, bufOffset uint64, dataOffset uint64, data []byte) {
	bufEnd := bufOffset + uint64(len(buf))
	dataEnd := dataOffset + uint64(len(data))
	if dataEnd <= bufOffset || dataOffset >= bufEnd {
		return
	}
	start := dataOffset
	if start < bufOffset {
		start = bufOffset
	}
	end := dataEnd
	if end > bufEnd {
		end = bufEnd
	}
	copy(buf[start-bufOffset:end-bufOffset], data[start-dataOffset:end-dataOffset])
}

// Sha256Patcher applies a flat hash tree patch chunk by chunk.
func Sha256Patcher(patch *nca.HierarchicalSha256Patch) Patcher {
	return func(buf []byte, offset uint64) {
		nca.WriteHierarchicalSha256PatchToBuffer(patch, buf, offset)
	}
}

// IntegrityPatcher applies an IVFC patch chunk by chunk.
func IntegrityPatcher(patch *nca.HierarchicalIntegrityPatch) Patcher {
	return func(buf []byte, offset uint64) {
		nca.WriteHierarchicalIntegrityPatchToBuffer(patch, buf, offset)
	}
}

// HeaderPatcher re-encrypts a dirty NCA header once up front and splices it
// over the image's first 0xC00 bytes.
func HeaderPatcher(ctx *nca.Context) (Patcher, error) {
	if !ctx.DirtyHeader {
		return func([]byte, uint64) {}, nil
	}
	encHeader, err := ctx.EncryptHeader()
	if err != nil {
		return nil, fmt.Errorf("re-encrypting dirty header raised %w", err)
	}
	return func(buf []byte, offset uint64) {
		spliceBytes(buf, offset, 0, encHeader)
	}, nil
}

// cardReader adapts the gamecard service's routed read path to io.ReaderAt.
type cardReader struct {
	service *gamecard.Service
}

func (r cardReader) ReadAt(p []byte, off int64) (int, error) {
	if err := r.service.ReadStorage(p, uint64(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Card dumps an inserted gamecard. Trimmed stops at the card's valid data end
// instead of dumping the full capacity.
func Card(service *gamecard.Service, out io.Writer, trimmed bool, opts Options) (uint64, error) {
	size, err := service.TotalSize()
	if err != nil {
		return 0, err
	}
	if trimmed {
		trimmedSize, err := service.TrimmedSize()
		if err != nil {
			return 0, err
		}
		if trimmedSize < size {
			size = trimmedSize
		}
	}
	return Dump(cardReader{service: service}, size, out, opts)
}
