package license

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	stateBucket = []byte("license")
	stateKey    = []byte("state")
)

// Times are written as RFC 3339 strings so sub-second precision and the
// zero value survive a round trip.
var stateEncMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

const (
	stateSalt = "isx-license-state-v1"
	stateInfo = "state record sealing key"
)

// State is the persisted client record.
type State struct {
	LicenseKey string `cbor:"1,keyasint,omitempty"`
	Credential string `cbor:"2,keyasint,omitempty"`
	// CRL is the last adopted revocation list string.
	CRL string `cbor:"3,keyasint,omitempty"`
	// HighWater is the latest wall clock time this client has observed.
	HighWater time.Time `cbor:"4,keyasint"`
	// LastOnline is when the server last confirmed the license.
	LastOnline time.Time `cbor:"5,keyasint"`
}

// StateStore keeps the State record in a bbolt file.
type StateStore struct {
	db   *bolt.DB
	aead cipher.AEAD
}

// OpenStateStore opens (or creates) the state file at path. The record is
// sealed with a key derived from machineID.
func OpenStateStore(path, machineID string) (*StateStore, error) {
	if machineID == "" {
		return nil, errors.New("state store: machine id is required")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(machineID), []byte(stateSalt), []byte(stateInfo)), key); err != nil {
		return nil, fmt.Errorf("state store: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("state store: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("state store: init: %w", err)
	}
	return &StateStore{db: db, aead: aead}, nil
}

// Load returns the stored state. A missing record is the zero State; a
// record that does not open returns ErrStateCorrupt.
func (s *StateStore) Load() (State, error) {
	var sealed []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(stateBucket).Get(stateKey); v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return State{}, fmt.Errorf("state store: read: %w", err)
	}
	if sealed == nil {
		return State{}, nil
	}

	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return State{}, ErrStateCorrupt
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], stateKey)
	if err != nil {
		return State{}, ErrStateCorrupt
	}

	var st State
	if err := cbor.Unmarshal(plain, &st); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return st, nil
}

// Save replaces the stored state.
func (s *StateStore) Save(st State) error {
	plain, err := stateEncMode.Marshal(st)
	if err != nil {
		return fmt.Errorf("state store: encode: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("state store: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, stateKey)

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(stateKey, sealed)
	})
}

// Close closes the underlying file.
func (s *StateStore) Close() error {
	return s.db.Close()
}
