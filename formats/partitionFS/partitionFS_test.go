package partitionfs

import (
	"bytes"
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	nca "github.com/pixelglade/cartkit/formats/NCA"
	"github.com/pixelglade/cartkit/keystore"
	"golang.org/x/crypto/xts"
)

// buildPFS0 serializes a partition image via the write side: header plus the
// concatenated entry payloads.
func buildPFS0(t *testing.T, files map[string][]byte, order []string) []byte {
	t.Helper()
	fc := NewFileContext()
	var data []byte
	for _, name := range order {
		if _, err := fc.AddEntry(name, uint64(len(files[name]))); err != nil {
			t.Fatalf("adding entry %s raised %v", name, err)
		}
		data = append(data, files[name]...)
	}

	image := make([]byte, fc.HeaderSize())
	if err := fc.WriteHeader(image); err != nil {
		t.Fatalf("writing header raised %v", err)
	}
	return append(image, data...)
}

func TestPFS0RoundTrip(t *testing.T) {
	t.Parallel()
	files := map[string][]byte{
		"main.npdm":   []byte("npdm-payload-bytes"),
		"Program.nsp": []byte("program-payload"),
	}
	image := buildPFS0(t, files, []string{"main.npdm", "Program.nsp"})

	partition, err := FromReaderAt(bytes.NewReader(image), 0)
	if err != nil {
		t.Fatalf("parse raised %v", err)
	}
	if partition.Magic != PFS0Magic {
		t.Errorf("wrong magic - >%s<", partition.Magic)
	}
	if partition.EntryCount() != 2 {
		t.Fatalf("wrong entry count - %d", partition.EntryCount())
	}
	if got := partition.TotalDataSize(); got != uint64(len(files["main.npdm"])+len(files["Program.nsp"])) {
		t.Errorf("wrong total data size - %d", got)
	}

	entry, index, err := partition.ByName("main.npdm")
	if err != nil {
		t.Fatalf("lookup raised %v", err)
	}
	if index != 0 {
		t.Errorf("main.npdm should be entry 0, got %d", index)
	}
	out := make([]byte, entry.Size)
	if err := partition.ReadEntryData(entry, out, 0); err != nil {
		t.Fatalf("entry read raised %v", err)
	}
	if !bytes.Equal(out, files["main.npdm"]) {
		t.Error("entry data mismatch")
	}

	byIndex, err := partition.ByIndex(1)
	if err != nil {
		t.Fatalf("index lookup raised %v", err)
	}
	if byIndex.Name != "Program.nsp" {
		t.Errorf("wrong entry 1 name - >%s<", byIndex.Name)
	}
	if _, err := partition.ByIndex(2); err == nil {
		t.Error("out of range index should fail")
	}
}

func TestPFS0LookupIsCaseSensitive(t *testing.T) {
	t.Parallel()
	files := map[string][]byte{"main.npdm": []byte("x")}
	image := buildPFS0(t, files, []string{"main.npdm"})
	partition, err := FromReaderAt(bytes.NewReader(image), 0)
	if err != nil {
		t.Fatalf("parse raised %v", err)
	}

	if _, _, err := partition.ByName("MAIN.NPDM"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("PFS0 lookup should be case sensitive, got %v", err)
	}
	//An absent name fails without mutating state
	if _, _, err := partition.ByName("missing.bin"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("absent name should fail, got %v", err)
	}
	if _, _, err := partition.ByName("main.npdm"); err != nil {
		t.Errorf("lookup after failed lookup raised %v", err)
	}
}

// buildHFS0 hand assembles a gamecard style partition with 0x40 byte entries.
func buildHFS0(t *testing.T, names []string, payload []byte) []byte {
	t.Helper()
	var nameTable []byte
	nameOffsets := make([]uint32, len(names))
	for i, name := range names {
		nameOffsets[i] = uint32(len(nameTable))
		nameTable = append(nameTable, name...)
		nameTable = append(nameTable, 0)
	}

	headerLen := StaticHeaderLength + (HFSEntrySize * len(names)) + len(nameTable)
	image := make([]byte, headerLen)
	copy(image[0x0:0x4], HFS0Magic)
	binary.LittleEndian.PutUint32(image[0x4:0x8], uint32(len(names)))
	binary.LittleEndian.PutUint32(image[0x8:0xC], uint32(len(nameTable)))

	entrySize := uint64(len(payload)) / uint64(len(names))
	for i := range names {
		recordStart := StaticHeaderLength + (i * HFSEntrySize)
		binary.LittleEndian.PutUint64(image[recordStart:], uint64(i)*entrySize)
		binary.LittleEndian.PutUint64(image[recordStart+0x8:], entrySize)
		binary.LittleEndian.PutUint32(image[recordStart+0x10:], nameOffsets[i])
	}
	copy(image[StaticHeaderLength+(HFSEntrySize*len(names)):], nameTable)
	return append(image, payload...)
}

func TestHFS0LookupIsCaseInsensitive(t *testing.T) {
	t.Parallel()
	payload := []byte(strings.Repeat("u", 8) + strings.Repeat("s", 8))
	image := buildHFS0(t, []string{"update", "secure"}, payload)

	partition, err := FromReaderAt(bytes.NewReader(image), 0)
	if err != nil {
		t.Fatalf("parse raised %v", err)
	}
	if partition.Magic != HFS0Magic {
		t.Errorf("wrong magic - >%s<", partition.Magic)
	}

	entry, index, err := partition.ByName("SECURE")
	if err != nil {
		t.Fatalf("case insensitive lookup raised %v", err)
	}
	if index != 1 || entry.Name != "secure" {
		t.Errorf("wrong entry - %d >%s<", index, entry.Name)
	}
}

func TestUpdateEntryName(t *testing.T) {
	t.Parallel()
	fc := NewFileContext()
	if _, err := fc.AddEntry("placeholder.nca", 0x100); err != nil {
		t.Fatalf("adding entry raised %v", err)
	}

	if err := fc.UpdateEntryName(0, "this name is much longer than the old one.nca"); err == nil {
		t.Error("oversized rename should fail")
	}
	if err := fc.UpdateEntryName(0, "final.nca"); err != nil {
		t.Fatalf("rename raised %v", err)
	}

	image := make([]byte, fc.HeaderSize())
	if err := fc.WriteHeader(image); err != nil {
		t.Fatalf("writing header raised %v", err)
	}
	padded := append(image, make([]byte, 0x100)...)
	partition, err := FromReaderAt(bytes.NewReader(padded), 0)
	if err != nil {
		t.Fatalf("parse raised %v", err)
	}
	entry, _, err := partition.ByName("final.nca")
	if err != nil {
		t.Fatalf("renamed entry lookup raised %v", err)
	}
	if entry.Name != "final.nca" {
		t.Errorf("wrong name after rename - >%s<", entry.Name)
	}
}

func TestRejectsBadMagic(t *testing.T) {
	t.Parallel()
	image := buildPFS0(t, map[string][]byte{"a": []byte("b")}, []string{"a"})
	copy(image[0:4], "JUNK")
	if _, err := FromReaderAt(bytes.NewReader(image), 0); err == nil {
		t.Fatal("bad magic should not parse")
	}
}

// Section-backed parsing and entry patching, over a synthetic unencrypted NCA3
// with a flat hash tree.
const (
	testSectionOffset = 0xC00
	testSectionSize   = 0x4000
	testBlockSize     = 0x1000
	testPayloadOff    = 0x1000
	testPayloadLen    = 0x2000
	testContentSize   = testSectionOffset + testSectionSize
)

const testKeyData = `header_key = 000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f
key_area_key_application_00 = 202122232425262728292a2b2c2d2e2f
`

func buildSectionNca(t *testing.T, pfsImage []byte) ([]byte, *keystore.Keystore) {
	t.Helper()
	ks, err := keystore.NewKeystore(strings.NewReader(testKeyData))
	if err != nil {
		t.Fatalf("loading test keys raised %v", err)
	}
	if len(pfsImage) > testPayloadLen {
		t.Fatalf("partition image too large - 0x%x", len(pfsImage))
	}

	section := make([]byte, testSectionSize)
	copy(section[testPayloadOff:], pfsImage)
	hashRegionLen := (testPayloadLen / testBlockSize) * sha256.Size
	for b := 0; b < testPayloadLen/testBlockSize; b++ {
		sum := sha256.Sum256(section[testPayloadOff+(b*testBlockSize) : testPayloadOff+((b+1)*testBlockSize)])
		copy(section[b*sha256.Size:], sum[:])
	}
	masterHash := sha256.Sum256(section[0:hashRegionLen])

	fsHeader := make([]byte, nca.FsHeaderLength)
	binary.LittleEndian.PutUint16(fsHeader[0x0:], 2)
	fsHeader[0x2] = nca.FsTypePartitionFs
	fsHeader[0x3] = nca.HashTypeHierarchicalSha256
	fsHeader[0x4] = nca.EncryptionTypeNone
	copy(fsHeader[0x8:], masterHash[:])
	binary.LittleEndian.PutUint32(fsHeader[0x28:], testBlockSize)
	binary.LittleEndian.PutUint32(fsHeader[0x2C:], 2)
	binary.LittleEndian.PutUint64(fsHeader[0x30:], 0)
	binary.LittleEndian.PutUint64(fsHeader[0x38:], uint64(hashRegionLen))
	binary.LittleEndian.PutUint64(fsHeader[0x40:], testPayloadOff)
	binary.LittleEndian.PutUint64(fsHeader[0x48:], testPayloadLen)
	fsHeaderHash := sha256.Sum256(fsHeader)

	//Zeroed key area, wrapped so the context can unwrap it
	kaek, err := ks.GetAppKey(0)
	if err != nil {
		t.Fatalf("missing test kaek - %v", err)
	}
	wrap, err := aes.NewCipher(kaek)
	if err != nil {
		t.Fatalf("kaek cipher raised %v", err)
	}
	encKeyArea := make([]byte, 0x40)
	for bs := 0; bs < 0x40; bs += 16 {
		wrap.Encrypt(encKeyArea[bs:bs+16], make([]byte, 16))
	}

	raw := make([]byte, nca.FullHeaderLength)
	copy(raw[0x200:], "NCA3")
	binary.LittleEndian.PutUint64(raw[0x208:], testContentSize)
	binary.LittleEndian.PutUint32(raw[0x240:], testSectionOffset/nca.SectorSize)
	binary.LittleEndian.PutUint32(raw[0x244:], (testSectionOffset+testSectionSize)/nca.SectorSize)
	copy(raw[0x280:], fsHeaderHash[:])
	copy(raw[0x300:], encKeyArea)
	copy(raw[nca.HeaderLength:], fsHeader)

	headerKey, err := ks.GetHeaderKey()
	if err != nil {
		t.Fatalf("missing test header key - %v", err)
	}
	headerCipher, err := xts.NewCipher(aes.NewCipher, headerKey)
	if err != nil {
		t.Fatalf("header cipher raised %v", err)
	}
	image := make([]byte, testContentSize)
	for sector := 0; sector < nca.FullHeaderLength/nca.XtsSectorSize; sector++ {
		pos := sector * nca.XtsSectorSize
		headerCipher.Encrypt(image[pos:pos+nca.XtsSectorSize], raw[pos:pos+nca.XtsSectorSize], uint64(sector))
	}
	copy(image[testSectionOffset:], section)
	return image, ks
}

func TestFromSectionAndEntryPatch(t *testing.T) {
	t.Parallel()
	files := map[string][]byte{
		"main.npdm":   bytes.Repeat([]byte{0xAA}, 0x200),
		"Program.nsp": bytes.Repeat([]byte{0xBB}, 0x300),
	}
	pfsImage := buildPFS0(t, files, []string{"main.npdm", "Program.nsp"})
	image, ks := buildSectionNca(t, pfsImage)

	ctx, err := nca.NewContext(ks, bytes.NewReader(image), "deadbeef", uint64(len(image)), nil)
	if err != nil {
		t.Fatalf("NewContext raised %v", err)
	}
	partition, err := FromSection(ctx.Sections[0])
	if err != nil {
		t.Fatalf("FromSection raised %v", err)
	}

	entry, _, err := partition.ByName("Program.nsp")
	if err != nil {
		t.Fatalf("lookup raised %v", err)
	}
	out := make([]byte, entry.Size)
	if err := partition.ReadEntryData(entry, out, 0); err != nil {
		t.Fatalf("entry read raised %v", err)
	}
	if !bytes.Equal(out, files["Program.nsp"]) {
		t.Fatal("entry data mismatch")
	}

	//Patch a slice of the entry and splice the result into a raw copy
	edit := []byte("patched-entry-content")
	patch, err := partition.GenerateEntryPatch(entry, edit, 0x40)
	if err != nil {
		t.Fatalf("entry patch raised %v", err)
	}

	patched := append([]byte{}, image...)
	nca.WriteHierarchicalSha256PatchToBuffer(patch, patched, 0)
	encHeader, err := ctx.EncryptHeader()
	if err != nil {
		t.Fatalf("header encryption raised %v", err)
	}
	copy(patched, encHeader)

	ctx2, err := nca.NewContext(ks, bytes.NewReader(patched), "deadbeef", uint64(len(patched)), nil)
	if err != nil {
		t.Fatalf("patched context raised %v", err)
	}
	partition2, err := FromSection(ctx2.Sections[0])
	if err != nil {
		t.Fatalf("patched FromSection raised %v", err)
	}
	entry2, _, err := partition2.ByName("Program.nsp")
	if err != nil {
		t.Fatalf("patched lookup raised %v", err)
	}
	out2 := make([]byte, entry2.Size)
	if err := partition2.ReadEntryData(entry2, out2, 0); err != nil {
		t.Fatalf("patched entry read raised %v", err)
	}
	expected := append([]byte{}, files["Program.nsp"]...)
	copy(expected[0x40:], edit)
	if !bytes.Equal(out2, expected) {
		t.Error("patched entry data mismatch")
	}
}
