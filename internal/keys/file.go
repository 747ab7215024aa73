package keys

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
)

const (
	// PrivateKeyFile holds the active private key, PKCS#8 PEM.
	PrivateKeyFile = "private_key.pem"

	// PublicKeysFile holds the manifest of published public keys.
	PublicKeysFile = "public_keys.json"

	lockFile = ".keys.lock"

	// keyDirPerm is the permission mode for the key directory.
	keyDirPerm = fs.FileMode(0o700)

	// privateKeyPerm restricts the private key to its owner.
	privateKeyPerm = fs.FileMode(0o600)

	// publicKeysPerm lets anything on the host read the public keys.
	publicKeysPerm = fs.FileMode(0o644)

	// lockRetryDelay is how often a blocked caller retries the lock.
	lockRetryDelay = 100 * time.Millisecond
)

// FileBackend stores keys as two files in a directory, guarded by an
// advisory lock file shared with every process using the directory.
type FileBackend struct {
	dir string

	// mu serialises callers in this process; a Flock reports success
	// for a second lock attempt through the same handle.
	mu   sync.Mutex
	lock *flock.Flock
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend stores keys under dir, creating it on first write.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, lockFile)),
	}
}

// Dir returns the key directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.dir, name)
}

// Load reads both files under a shared lock.
func (b *FileBackend) Load(ctx context.Context) (*KeySet, error) {
	if _, err := os.Stat(b.dir); errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.ErrKeyNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	locked, err := b.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquiring key lock: %w", err)
	}

	if !locked {
		return nil, fmt.Errorf("acquiring key lock: not acquired")
	}
	defer b.lock.Unlock() //nolint:errcheck

	privatePEM, err := os.ReadFile(b.path(PrivateKeyFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.ErrKeyNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	manifestJSON, err := os.ReadFile(b.path(PublicKeysFile))
	if errors.Is(err, fs.ErrNotExist) {
		priv, decErr := decodePrivateKey(privatePEM)
		if decErr != nil {
			return nil, decErr
		}

		return nil, &OrphanedKeyError{Private: priv}
	}

	if err != nil {
		return nil, fmt.Errorf("reading public keys: %w", err)
	}

	return decodeKeySet(privatePEM, manifestJSON)
}

// Create writes a new key pair. The manifest is written first and the
// private key last, opened with O_EXCL: the private key file is the
// commit point, so an interrupted Create leaves no private key and the
// next Create starts over.
func (b *FileBackend) Create(ctx context.Context, s *KeySet) error {
	privatePEM, manifestJSON, err := b.encode(s)
	if err != nil {
		return err
	}

	unlock, err := b.lockExclusive(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(b.path(PrivateKeyFile)); err == nil {
		return apperrors.ErrKeyExists
	}

	if err := writeFileAtomic(b.path(PublicKeysFile), manifestJSON, publicKeysPerm); err != nil {
		return err
	}

	f, err := os.OpenFile(b.path(PrivateKeyFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, privateKeyPerm)
	if errors.Is(err, fs.ErrExist) {
		return apperrors.ErrKeyExists
	}

	if err != nil {
		return fmt.Errorf("creating private key file: %w", err)
	}

	if _, err := f.Write(privatePEM); err != nil {
		_ = f.Close()
		_ = os.Remove(b.path(PrivateKeyFile))

		return fmt.Errorf("writing private key: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(b.path(PrivateKeyFile))
		return fmt.Errorf("closing private key file: %w", err)
	}

	return nil
}

// Save replaces both files. Each file is replaced atomically; the lock
// keeps readers from observing one new file and one old file.
func (b *FileBackend) Save(ctx context.Context, s *KeySet) error {
	privatePEM, manifestJSON, err := b.encode(s)
	if err != nil {
		return err
	}

	unlock, err := b.lockExclusive(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := writeFileAtomic(b.path(PrivateKeyFile), privatePEM, privateKeyPerm); err != nil {
		return err
	}

	return writeFileAtomic(b.path(PublicKeysFile), manifestJSON, publicKeysPerm)
}

// Watch calls onChange whenever another process replaces the public key
// manifest. It blocks until ctx is cancelled.
func (b *FileBackend) Watch(ctx context.Context, onChange func()) error {
	if err := os.MkdirAll(b.dir, keyDirPerm); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: atomic replacement swaps the
	// inode, which would silently drop a file watch.
	if err := watcher.Add(b.dir); err != nil {
		return fmt.Errorf("watching key directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Base(event.Name) != PublicKeysFile {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				onChange()
			}

		case _, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
		}
	}
}

func (b *FileBackend) encode(s *KeySet) ([]byte, []byte, error) {
	if err := s.validate(); err != nil {
		return nil, nil, err
	}

	privatePEM, err := encodePrivateKey(s.Private)
	if err != nil {
		return nil, nil, err
	}

	manifestJSON, err := encodeManifest(s)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding public keys: %w", err)
	}

	return privatePEM, manifestJSON, nil
}

func (b *FileBackend) lockExclusive(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(b.dir, keyDirPerm); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	b.mu.Lock()

	locked, err := b.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("acquiring key lock: %w", err)
	}

	if !locked {
		b.mu.Unlock()
		return nil, fmt.Errorf("acquiring key lock: not acquired")
	}

	return func() {
		_ = b.lock.Unlock()
		b.mu.Unlock()
	}, nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("setting permissions on %s: %w", filepath.Base(path), err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}

	return nil
}
