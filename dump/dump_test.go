package dump

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	nca "github.com/pixelglade/cartkit/formats/NCA"
)

func TestDumpPlain(t *testing.T) {
	t.Parallel()
	image := make([]byte, 0x2801) // Deliberately not a chunk multiple
	for i := range image {
		image[i] = byte(i * 7)
	}

	var out bytes.Buffer
	written, err := Dump(bytes.NewReader(image), uint64(len(image)), &out, Options{ChunkSize: 0x400})
	if err != nil {
		t.Fatalf("dump raised %v", err)
	}
	if written != uint64(len(image)) {
		t.Errorf("wrong written count - %d", written)
	}
	if !bytes.Equal(out.Bytes(), image) {
		t.Error("dump output mismatch")
	}
}

func TestDumpAppliesPatchesAcrossChunks(t *testing.T) {
	t.Parallel()
	image := make([]byte, 0x2000)

	//One patch slot straddling the 0x400 chunk boundary
	patch := &nca.HierarchicalSha256Patch{ContentID: "test"}
	patchData := bytes.Repeat([]byte{0xEE}, 0x200)
	patch.Regions[1] = &nca.SectionPatch{Offset: 0x300, Data: patchData}

	var out bytes.Buffer
	if _, err := Dump(bytes.NewReader(image), uint64(len(image)), &out, Options{ChunkSize: 0x400}, Sha256Patcher(patch)); err != nil {
		t.Fatalf("dump raised %v", err)
	}

	expected := make([]byte, len(image))
	copy(expected[0x300:], patchData)
	if !bytes.Equal(out.Bytes(), expected) {
		t.Error("patch was not applied across the chunk boundary")
	}
}

func TestDumpZstdRoundTrip(t *testing.T) {
	t.Parallel()
	image := bytes.Repeat([]byte("cartkit"), 0x300)

	var out bytes.Buffer
	if _, err := Dump(bytes.NewReader(image), uint64(len(image)), &out, Options{ChunkSize: 0x400, Zstd: true}); err != nil {
		t.Fatalf("dump raised %v", err)
	}

	decoder, err := zstd.NewReader(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("zstd reader raised %v", err)
	}
	defer decoder.Close()
	decoded, err := decoder.DecodeAll(out.Bytes(), nil)
	if err != nil {
		t.Fatalf("zstd decode raised %v", err)
	}
	if !bytes.Equal(decoded, image) {
		t.Error("zstd round trip mismatch")
	}
}

func TestDumpRejectsBadArguments(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if _, err := Dump(nil, 10, &out, Options{}); err == nil {
		t.Error("nil reader should fail")
	}
	if _, err := Dump(bytes.NewReader([]byte{1}), 0, &out, Options{}); err == nil {
		t.Error("empty dump should fail")
	}
}
