package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/CK6170/teensyhost-go/firmware"
)

// FirmwareRecord is an uploaded firmware image held in memory.
//
// The server intentionally stores firmware in memory (not on disk) to keep
// the app single-user, local-only and easy to run; images are small compared
// to the flash sizes they target.
type FirmwareRecord struct {
	ID string
	FW *firmware.Firmware
	// Original filename from the upload (best-effort, may be empty).
	Filename string
}

// FirmwareStore is a thread-safe in-memory map keyed by FirmwareRecord.ID.
type FirmwareStore struct {
	mu sync.RWMutex
	m  map[string]*FirmwareRecord
}

// NewFirmwareStore constructs an empty store.
func NewFirmwareStore() *FirmwareStore {
	return &FirmwareStore{m: make(map[string]*FirmwareRecord)}
}

// Put inserts a new record and returns it. IDs are cryptographically random
// so they are not guessable between browser sessions.
func (s *FirmwareStore) Put(fw *firmware.Firmware, filename string) (*FirmwareRecord, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	rec := &FirmwareRecord{ID: id, FW: fw, Filename: filename}
	s.mu.Lock()
	s.m[id] = rec
	s.mu.Unlock()
	return rec, nil
}

// Get retrieves an existing record by id.
func (s *FirmwareStore) Get(id string) (*FirmwareRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[id]
	return r, ok
}

// Delete removes a record; unknown ids are ignored.
func (s *FirmwareStore) Delete(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

// newID returns a short random hex identifier suitable for URLs.
func newID() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
