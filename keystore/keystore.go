package keystore

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Keystore is a minimal holder for the console key database (prod.keys style files)

type Keystore struct {
	keys map[string]string
}

// NewKeystore creates a new keystore instance from the data in the provided reader
func NewKeystore(r io.Reader) (*Keystore, error) {
	//Reads all lines from the keys file and extracts the ones we care about
	store := &Keystore{
		keys: make(map[string]string),
	}
	if r == nil {
		return store, errors.New("cant load keys from nil reader")
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.Split(line, "=")
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			//We only care about the header key, the key area keys and the xci header key
			if key == "header_key" || key == "xci_header_key" || strings.HasPrefix(key, "key_area_key_") {
				store.keys[key] = value
			}
		}
	}

	if len(store.keys) == 0 {
		return store, errors.New("no keys were loaded from the provided database")
	}
	return store, nil

}

// GetHeaderKey returns the 32 byte AES-XTS key pair used for NCA header crypto
func (key *Keystore) GetHeaderKey() ([]byte, error) {
	return key.getKey("header_key")
}

// GetXciHeaderKey returns the optional AES-CBC key used for the gamecard extended header
func (key *Keystore) GetXciHeaderKey() ([]byte, error) {
	return key.getKey("xci_header_key")
}

// GetKeyAreaKey returns the key area wrapping key for the given kaek index and key revision
func (key *Keystore) GetKeyAreaKey(kaekIndex uint8, revision uint8) ([]byte, error) {
	kaekName := ""
	switch kaekIndex {
	case 0:
		kaekName = "application"
	case 1:
		kaekName = "ocean"
	case 2:
		kaekName = "system"
	default:
		return []byte{}, fmt.Errorf("invalid kaek index - %d", kaekIndex)
	}
	keyName := fmt.Sprintf("key_area_key_%s_%02x", kaekName, revision)
	return key.getKey(keyName)
}

// GetAppKey returns the application key area wrapping key for the given key revision
func (key *Keystore) GetAppKey(revision uint8) ([]byte, error) {
	return key.GetKeyAreaKey(0, revision)
}

func (key *Keystore) getKey(keyName string) ([]byte, error) {
	KeyString, ok := key.keys[keyName]
	if !ok {
		return []byte{}, fmt.Errorf("key not found - %s", keyName)
	}
	keyBytes, err := hex.DecodeString(KeyString)
	if err != nil {
		return []byte{}, fmt.Errorf("invalid key parse - %w", err)
	}
	return keyBytes, nil
}
