package nca

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	aesctr "github.com/pixelglade/cartkit/formats/AESCTR"
	"golang.org/x/crypto/xts"
)

// Patch section geometry: 0x4000 of remapped payload in two counter runs,
// then the indirect and counter bucket tables.
const (
	patchSectionSize = 0x14000
	patchPayloadLen  = 0x4000
	indirectTableOff = 0x4000
	ctrExTableOff    = 0xC000
	patchTableSize   = 0x8000
	patchRunBoundary = 0x2000
	patchRun1CtrVal  = 7
	patchRun2CtrVal  = 9
)

// buildPatchNca assembles a NCA3 holding one AesCtrEx patch section with a two
// run counter bucket, returning the image and the plaintext payload.
func buildPatchNca(t *testing.T) (image []byte, payload []byte) {
	t.Helper()
	ks := testKeystore(t)

	payload = make([]byte, patchPayloadLen)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("generating payload raised %v", err)
	}

	//IVFC metadata: six small but valid levels
	fsHeader := make([]byte, FsHeaderLength)
	binary.LittleEndian.PutUint16(fsHeader[0x0:], 2)
	fsHeader[0x2] = FsTypeRomFs
	fsHeader[0x3] = HashTypeHierarchicalIntegrity
	fsHeader[0x4] = EncryptionTypeAesCtrEx
	copy(fsHeader[0x8:0xC], "IVFC")
	binary.LittleEndian.PutUint32(fsHeader[0x10:], sha256.Size)
	binary.LittleEndian.PutUint32(fsHeader[0x14:], IVFCMaxLevelCount)
	for i := 0; i < IVFCLevelCount; i++ {
		base := 0x18 + (i * 0x18)
		binary.LittleEndian.PutUint64(fsHeader[base:], uint64(i)*0x200)
		binary.LittleEndian.PutUint64(fsHeader[base+8:], 0x200)
		binary.LittleEndian.PutUint32(fsHeader[base+16:], 9)
	}

	//Patch info bucket headers
	writeBucket := func(pos int, tableOff, tableSize uint64, entryCount uint32) {
		binary.LittleEndian.PutUint64(fsHeader[pos:], tableOff)
		binary.LittleEndian.PutUint64(fsHeader[pos+0x8:], tableSize)
		copy(fsHeader[pos+0x10:pos+0x14], "BKTR")
		binary.LittleEndian.PutUint32(fsHeader[pos+0x14:], 1)
		binary.LittleEndian.PutUint32(fsHeader[pos+0x18:], entryCount)
	}
	writeBucket(0x100, indirectTableOff, patchTableSize, 1)
	writeBucket(0x120, ctrExTableOff, patchTableSize, 2)
	copy(fsHeader[0x140:0x148], testUpperIVField[:])
	fsHeaderHash := sha256.Sum256(fsHeader)

	ctrKey := []byte("normal-ctr-key..")
	ctrExKey := []byte("extended-ctr-key")
	plainKeyArea := make([]byte, 0x40)
	copy(plainKeyArea[0x20:0x30], ctrKey)
	copy(plainKeyArea[0x30:0x40], ctrExKey)
	kaek, err := ks.GetAppKey(0)
	if err != nil {
		t.Fatalf("missing test kaek - %v", err)
	}
	encKeyArea, err := encryptAes128Ecb(plainKeyArea, kaek)
	if err != nil {
		t.Fatalf("key area encryption raised %v", err)
	}

	sectionOffset := uint64(0xC00)
	contentSize := sectionOffset + patchSectionSize
	raw := make([]byte, FullHeaderLength)
	copy(raw[0x200:], "NCA3")
	binary.LittleEndian.PutUint64(raw[0x208:], contentSize)
	binary.LittleEndian.PutUint32(raw[0x240:], uint32(sectionOffset/SectorSize))
	binary.LittleEndian.PutUint32(raw[0x244:], uint32(contentSize/SectorSize))
	copy(raw[0x280:], fsHeaderHash[:])
	copy(raw[0x300:], encKeyArea)
	copy(raw[HeaderLength:], fsHeader)

	headerKey, err := ks.GetHeaderKey()
	if err != nil {
		t.Fatalf("missing test header key - %v", err)
	}
	headerCipher, err := xts.NewCipher(aes.NewCipher, headerKey)
	if err != nil {
		t.Fatalf("header cipher raised %v", err)
	}
	image = make([]byte, contentSize)
	for sector := 0; sector < FullHeaderLength/XtsSectorSize; sector++ {
		pos := sector * XtsSectorSize
		headerCipher.Encrypt(image[pos:pos+XtsSectorSize], raw[pos:pos+XtsSectorSize], uint64(sector))
	}

	//Payload runs, each under its own counter value
	ctrEx, err := aesctr.New(ctrExKey, reversedUpperIV())
	if err != nil {
		t.Fatalf("ctrEx cipher raised %v", err)
	}
	ctrEx.SetCtrVal(patchRun1CtrVal)
	ctrEx.XORKeyStreamAt(image[sectionOffset:sectionOffset+patchRunBoundary], payload[:patchRunBoundary], sectionOffset)
	ctrEx.SetCtrVal(patchRun2CtrVal)
	ctrEx.XORKeyStreamAt(image[sectionOffset+patchRunBoundary:sectionOffset+patchPayloadLen], payload[patchRunBoundary:], sectionOffset+patchRunBoundary)

	//Bucket tables, regular CTR ciphertext
	ctrExTable := make([]byte, patchTableSize)
	binary.LittleEndian.PutUint32(ctrExTable[0x4:], 1)
	binary.LittleEndian.PutUint64(ctrExTable[0x8:], patchPayloadLen)
	node := ctrExTable[bucketNodeSize:]
	binary.LittleEndian.PutUint32(node[0x4:], 2)
	binary.LittleEndian.PutUint64(node[0x8:], patchPayloadLen)
	binary.LittleEndian.PutUint64(node[0x10:], 0)
	binary.LittleEndian.PutUint32(node[0x1C:], patchRun1CtrVal)
	binary.LittleEndian.PutUint64(node[0x20:], patchRunBoundary)
	binary.LittleEndian.PutUint32(node[0x2C:], patchRun2CtrVal)

	indirectTable := make([]byte, patchTableSize)
	binary.LittleEndian.PutUint32(indirectTable[0x4:], 1)
	binary.LittleEndian.PutUint64(indirectTable[0x8:], patchPayloadLen)
	inode := indirectTable[bucketNodeSize:]
	binary.LittleEndian.PutUint32(inode[0x4:], 1)
	binary.LittleEndian.PutUint64(inode[0x8:], patchPayloadLen)
	binary.LittleEndian.PutUint32(inode[0x20:], 1) // Storage index: patch content

	ctr, err := aesctr.New(ctrKey, reversedUpperIV())
	if err != nil {
		t.Fatalf("ctr cipher raised %v", err)
	}
	ctr.XORKeyStreamAt(image[sectionOffset+ctrExTableOff:sectionOffset+ctrExTableOff+patchTableSize], ctrExTable, sectionOffset+ctrExTableOff)
	ctr.XORKeyStreamAt(image[sectionOffset+indirectTableOff:sectionOffset+indirectTableOff+patchTableSize], indirectTable, sectionOffset+indirectTableOff)

	return image, payload
}

func TestPatchSectionBuckets(t *testing.T) {
	t.Parallel()
	image, payload := buildPatchNca(t)
	ctx := testContext(t, image)
	section := ctx.Sections[0]

	if !section.Enabled {
		t.Fatal("patch section should be enabled")
	}
	if section.Type != SectionTypePatchRomFs {
		t.Fatalf("wrong section type - %s", section.Type)
	}

	entries, err := section.ReadAesCtrExBucket()
	if err != nil {
		t.Fatalf("reading counter bucket raised %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("wrong entry count - %d", len(entries))
	}
	if entries[0].CtrVal != patchRun1CtrVal || entries[0].Size != patchRunBoundary {
		t.Errorf("wrong first run - %+v", entries[0])
	}
	if entries[1].CtrVal != patchRun2CtrVal || entries[1].Offset != patchRunBoundary {
		t.Errorf("wrong second run - %+v", entries[1])
	}

	indirect, err := section.ReadIndirectBucket()
	if err != nil {
		t.Fatalf("reading indirect bucket raised %v", err)
	}
	if len(indirect) != 1 || indirect[0].StorageIndex != 1 {
		t.Errorf("wrong indirect entries - %+v", indirect)
	}

	//A read across the run boundary stitches both counter values together
	out := make([]byte, 0x1000)
	if err := section.ReadPatchSection(out, patchRunBoundary-0x800); err != nil {
		t.Fatalf("patch read raised %v", err)
	}
	if !bytes.Equal(out, payload[patchRunBoundary-0x800:patchRunBoundary+0x800]) {
		t.Error("patch read mismatch across run boundary")
	}

	//The plain entry points refuse patch sections
	if err := section.Read(out, 0); err == nil {
		t.Error("plain read of a patch section should fail")
	}
	if _, _, err := section.GenerateEncryptedSectionBlock(out, 0); err == nil {
		t.Error("block generation for a patch section should fail")
	}
}
