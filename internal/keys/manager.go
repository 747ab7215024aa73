package keys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
)

// DefaultKeyID is the key id of the first key a deployment generates.
const DefaultKeyID = "taskmate-2024"

// DefaultBits is the RSA modulus size for generated keys.
const DefaultBits = 2048

// Backend persists a key set. Implementations must make Create exclusive
// across processes so concurrent first starts cannot both write keys.
type Backend interface {
	// Load returns the stored key set, or errors.ErrKeyNotFound.
	Load(ctx context.Context) (*KeySet, error)

	// Create stores s only if nothing is stored yet. It returns
	// errors.ErrKeyExists when another writer got there first.
	Create(ctx context.Context, s *KeySet) error

	// Save overwrites the stored key set. Used by rotation and pruning.
	Save(ctx context.Context, s *KeySet) error
}

// ManagerConfig configures a Manager. Zero values select defaults.
type ManagerConfig struct {
	KeyID string
	Bits  int
	// Retention is how long a retired key stays published. It should be
	// at least the access token lifetime.
	Retention time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager is the process-wide handle to the signing key. Key material is
// loaded or generated once, on first use, and is safe to read from any
// goroutine afterwards.
type Manager struct {
	backend   Backend
	kid       string
	bits      int
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu  sync.RWMutex
	set *KeySet
}

// NewManager creates a Manager over backend. No key material is touched
// until Ensure or any accessor is called.
func NewManager(backend Backend, cfg ManagerConfig) *Manager {
	m := &Manager{
		backend:   backend,
		kid:       cfg.KeyID,
		bits:      cfg.Bits,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}

	if m.kid == "" {
		m.kid = DefaultKeyID
	}

	if m.bits == 0 {
		m.bits = DefaultBits
	}

	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}

	if m.now == nil {
		m.now = time.Now
	}

	return m
}

// Ensure loads the key set, generating and persisting one if none
// exists. When another process creates keys concurrently, the loser
// discards its own key and loads the winner's.
func (m *Manager) Ensure(ctx context.Context) error {
	m.mu.RLock()
	ready := m.set != nil
	m.mu.RUnlock()

	if ready {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.set != nil {
		return nil
	}

	set, err := m.backend.Load(ctx)
	if err == nil {
		m.set = set
		m.logger.Info("signing key loaded", slog.String("kid", set.ActiveID), slog.Int("published", len(set.Keys)))

		return nil
	}

	var orphan *OrphanedKeyError
	if errors.As(err, &orphan) {
		return m.adopt(ctx, orphan.Private)
	}

	if !errors.Is(err, apperrors.ErrKeyNotFound) {
		return fmt.Errorf("loading signing key: %w", err)
	}

	set, err = generate(m.kid, m.bits, m.now().UTC())
	if err != nil {
		return err
	}

	err = m.backend.Create(ctx, set)
	if errors.Is(err, apperrors.ErrKeyExists) {
		m.logger.Info("signing key created concurrently, loading winner")

		set, err = m.backend.Load(ctx)
		if err != nil {
			return fmt.Errorf("loading concurrently created signing key: %w", err)
		}

		m.set = set

		return nil
	}

	if err != nil {
		return fmt.Errorf("storing signing key: %w", err)
	}

	m.set = set
	m.logger.Info("signing key generated", slog.String("kid", set.ActiveID), slog.Int("bits", m.bits))

	return nil
}

// adopt republishes a stored private key whose manifest was lost, under
// the configured key id. Retired keys listed in the lost manifest are
// gone. Called with m.mu held.
func (m *Manager) adopt(ctx context.Context, priv *rsa.PrivateKey) error {
	set := newKeySet(m.kid, priv, m.now().UTC())

	if err := m.backend.Save(ctx, set); err != nil {
		return fmt.Errorf("rebuilding public keys: %w", err)
	}

	m.set = set
	m.logger.Warn("public key manifest was missing, rebuilt from private key", slog.String("kid", set.ActiveID))

	return nil
}

func (m *Manager) current(ctx context.Context) (*KeySet, error) {
	if err := m.Ensure(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.set, nil
}

// SigningKey returns the active key id and private key.
func (m *Manager) SigningKey(ctx context.Context) (string, *rsa.PrivateKey, error) {
	set, err := m.current(ctx)
	if err != nil {
		return "", nil, err
	}

	return set.ActiveID, set.Private, nil
}

// PublicKey returns the published key with the given id, or
// errors.ErrKeyNotFound.
func (m *Manager) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	set, err := m.current(ctx)
	if err != nil {
		return nil, err
	}

	k, ok := set.Find(kid)
	if !ok {
		return nil, fmt.Errorf("kid %q: %w", kid, apperrors.ErrKeyNotFound)
	}

	return k.Public, nil
}

// JWKS returns every published key, active key first.
func (m *Manager) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	set, err := m.current(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	out := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(set.Keys))}

	if active, ok := set.Active(); ok {
		out.Keys = append(out.Keys, active.JSONWebKey())
	}

	for _, k := range set.Keys {
		if k.ID != set.ActiveID {
			out.Keys = append(out.Keys, k.JSONWebKey())
		}
	}

	return out, nil
}

// Rotate generates a new active key, identified by its RFC 7638
// thumbprint. The previous key is marked retired and stays published.
// Rotation reads the latest stored set first so it composes with
// rotations done by other processes.
func (m *Manager) Rotate(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, err := m.backend.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("loading signing key: %w", err)
	}

	now := m.now().UTC()

	next, err := generate("", m.bits, now)
	if err != nil {
		return "", err
	}

	kid, err := Thumbprint(&next.Private.PublicKey)
	if err != nil {
		return "", err
	}

	rotated := &KeySet{ActiveID: kid, Private: next.Private}
	rotated.Keys = append(rotated.Keys, Key{ID: kid, Public: &next.Private.PublicKey, CreatedAt: now})

	for _, k := range set.Keys {
		if k.RetiredAt == nil {
			retired := now
			k.RetiredAt = &retired
		}

		rotated.Keys = append(rotated.Keys, k)
	}

	if err := m.backend.Save(ctx, rotated); err != nil {
		return "", fmt.Errorf("saving rotated key: %w", err)
	}

	m.set = rotated
	m.logger.Info("signing key rotated", slog.String("kid", kid), slog.String("previous_kid", set.ActiveID))

	return kid, nil
}

// Prune removes retired keys whose retention has elapsed and returns how
// many were removed. The active key is never removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, err := m.backend.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading signing key: %w", err)
	}

	cutoff := m.now().Add(-m.retention)
	kept := make([]Key, 0, len(set.Keys))

	for _, k := range set.Keys {
		if k.ID != set.ActiveID && k.RetiredAt != nil && !k.RetiredAt.After(cutoff) {
			m.logger.Info("pruning retired signing key", slog.String("kid", k.ID))
			continue
		}

		kept = append(kept, k)
	}

	removed := len(set.Keys) - len(kept)
	if removed == 0 {
		m.set = set
		return 0, nil
	}

	pruned := &KeySet{ActiveID: set.ActiveID, Private: set.Private, Keys: kept}
	if err := m.backend.Save(ctx, pruned); err != nil {
		return 0, fmt.Errorf("saving pruned keys: %w", err)
	}

	m.set = pruned

	return removed, nil
}

// Reload replaces the in-memory key set with the stored one. Called when
// another process rotates keys.
func (m *Manager) Reload(ctx context.Context) error {
	set, err := m.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("reloading signing key: %w", err)
	}

	m.mu.Lock()
	previous := ""
	if m.set != nil {
		previous = m.set.ActiveID
	}
	m.set = set
	m.mu.Unlock()

	if previous != set.ActiveID {
		m.logger.Info("signing key reloaded", slog.String("kid", set.ActiveID), slog.String("previous_kid", previous))
	}

	return nil
}
