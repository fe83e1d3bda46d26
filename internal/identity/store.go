// Package identity persists who the local user is across restarts.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/pebble/v2"
	"github.com/google/uuid"
)

// MaxNameLength is the longest nickname the server accepts, in characters.
const MaxNameLength = 20

var (
	ErrNotFound    = errors.New("no stored identity")
	ErrInvalidName = errors.New("invalid nickname")
)

var identityKey = []byte("identity/v1")

// Identity is the user as last registered with the server.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ValidateName trims name and checks it is non-empty and short enough.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLength)
	}
	return name, nil
}

// New returns an identity for name with a fresh user id.
func New(name string) (Identity, error) {
	name, err := ValidateName(name)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: uuid.NewString(), Username: name}, nil
}

// Store keeps a single identity record in a PebbleDB directory.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the store at dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("identity: empty data path")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the stored identity or ErrNotFound.
func (s *Store) Load() (Identity, error) {
	val, closer, err := s.db.Get(identityKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, err
	}
	defer func() { _ = closer.Close() }()
	var id Identity
	if err := json.Unmarshal(val, &id); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	if id.Username == "" {
		return Identity{}, ErrNotFound
	}
	return id, nil
}

// Save writes id, assigning a user id when it has none.
func (s *Store) Save(id Identity) (Identity, error) {
	name, err := ValidateName(id.Username)
	if err != nil {
		return Identity{}, err
	}
	id.Username = name
	if id.UserID == "" {
		id.UserID = uuid.NewString()
	}
	val, err := json.Marshal(id)
	if err != nil {
		return Identity{}, err
	}
	if err := s.db.Set(identityKey, val, pebble.Sync); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Clear removes the stored identity.
func (s *Store) Clear() error {
	return s.db.Delete(identityKey, pebble.Sync)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
