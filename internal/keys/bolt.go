package keys

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
)

const (
	// boltDirPerm is the permission mode for the directory holding the key database.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the key database file.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt database lock.
	boltOpenTimeout = 5 * time.Second
)

var (
	keysBucket = []byte("signing_keys")
	keySetKey  = []byte("keyset")
)

// BoltBackend stores the key set as one value in an embedded bbolt
// database. bbolt holds an exclusive file lock while open, so only one
// process can use the database at a time.
type BoltBackend struct {
	db *bolt.DB
}

var _ Backend = (*BoltBackend)(nil)

// OpenBolt opens the key database at path, creating it if it does not
// exist.
func OpenBolt(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating key db directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening key db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating keys bucket: %w", err)
	}

	return &BoltBackend{db: db}, nil
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// Load reads the stored key set.
func (b *BoltBackend) Load(_ context.Context) (*KeySet, error) {
	var data []byte

	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keysBucket).Get(keySetKey)
		if v == nil {
			return apperrors.ErrKeyNotFound
		}

		// bbolt values are only valid inside the transaction.
		data = append([]byte(nil), v...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return unmarshalBlob(data)
}

// Create stores s unless a key set already exists. The check and the
// write share one read-write transaction.
func (b *BoltBackend) Create(_ context.Context, s *KeySet) error {
	data, err := b.encode(s)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(keysBucket)
		if bucket.Get(keySetKey) != nil {
			return apperrors.ErrKeyExists
		}

		return bucket.Put(keySetKey, data)
	})
}

// Save overwrites the stored key set.
func (b *BoltBackend) Save(_ context.Context, s *KeySet) error {
	data, err := b.encode(s)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Put(keySetKey, data)
	})
}

func (b *BoltBackend) encode(s *KeySet) ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	data, err := marshalBlob(s)
	if err != nil {
		return nil, fmt.Errorf("encoding key set: %w", err)
	}

	return data, nil
}
