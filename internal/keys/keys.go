// Package keys owns the RSA key material that signs access tokens and
// publishes the matching public keys as a JWK set.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Algorithm is the only JWS algorithm this server signs with.
const Algorithm = "RS256"

// Key is one published public key.
type Key struct {
	ID        string
	Public    *rsa.PublicKey
	CreatedAt time.Time
	// RetiredAt is set once a newer key has replaced this one. Retired
	// keys stay published so tokens they signed remain verifiable.
	RetiredAt *time.Time
}

// KeySet is the persisted key material: the private half of the active
// key plus every public key still published.
type KeySet struct {
	ActiveID string
	Private  *rsa.PrivateKey
	Keys     []Key
}

// Active returns the public entry of the active key.
func (s *KeySet) Active() (Key, bool) {
	return s.Find(s.ActiveID)
}

// Find returns the published key with the given id.
func (s *KeySet) Find(kid string) (Key, bool) {
	for _, k := range s.Keys {
		if k.ID == kid {
			return k, true
		}
	}

	return Key{}, false
}

func (s *KeySet) validate() error {
	active, ok := s.Active()
	if !ok {
		return fmt.Errorf("active key %q missing from published keys", s.ActiveID)
	}

	if s.Private == nil {
		return fmt.Errorf("private key missing")
	}

	if !s.Private.PublicKey.Equal(active.Public) {
		return fmt.Errorf("private key does not match published key %q", s.ActiveID)
	}

	return nil
}

// generate creates a fresh key set holding one key with the given id.
func generate(kid string, bits int, now time.Time) (*KeySet, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}

	return newKeySet(kid, priv, now), nil
}

// newKeySet wraps priv as the only, active key of a new set.
func newKeySet(kid string, priv *rsa.PrivateKey, now time.Time) *KeySet {
	return &KeySet{
		ActiveID: kid,
		Private:  priv,
		Keys: []Key{{
			ID:        kid,
			Public:    &priv.PublicKey,
			CreatedAt: now,
		}},
	}
}

// OrphanedKeyError is returned by Load when a private key is stored but
// its public key manifest is not. Manager.Ensure repairs the set.
type OrphanedKeyError struct {
	Private *rsa.PrivateKey
}

func (e *OrphanedKeyError) Error() string {
	return "private key present but public key manifest missing"
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of pub, base64url
// encoded. Rotated keys use it as their key id.
func Thumbprint(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}

	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing thumbprint: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// JSONWebKey renders a published key as a signature-verification JWK.
func (k Key) JSONWebKey() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Public,
		KeyID:     k.ID,
		Algorithm: Algorithm,
		Use:       "sig",
	}
}

// --- Encoding ---

// manifest is the public, world-readable half of a key set.
type manifest struct {
	Active string          `json:"active"`
	Keys   []manifestEntry `json:"keys"`
}

type manifestEntry struct {
	JWK       jose.JSONWebKey `json:"jwk"`
	CreatedAt time.Time       `json:"created_at"`
	RetiredAt *time.Time      `json:"retired_at,omitempty"`
}

// blob is the single-document encoding used by backends that store the
// whole key set as one value.
type blob struct {
	PrivateKey string          `json:"private_key"`
	PublicKeys json.RawMessage `json:"public_keys"`
}

func encodePrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshalling private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// decodePrivateKey accepts PKCS#8 and legacy PKCS#1 PEM.
func decodePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing pkcs8 private key: %w", err)
		}

		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want RSA", key)
		}

		return rsaKey, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing pkcs1 private key: %w", err)
		}

		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func encodeManifest(s *KeySet) ([]byte, error) {
	m := manifest{Active: s.ActiveID, Keys: make([]manifestEntry, 0, len(s.Keys))}

	for _, k := range s.Keys {
		m.Keys = append(m.Keys, manifestEntry{
			JWK:       k.JSONWebKey(),
			CreatedAt: k.CreatedAt,
			RetiredAt: k.RetiredAt,
		})
	}

	return json.MarshalIndent(m, "", "  ")
}

func decodeManifest(data []byte) (string, []Key, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("parsing key manifest: %w", err)
	}

	keys := make([]Key, 0, len(m.Keys))

	for _, e := range m.Keys {
		pub, ok := e.JWK.Key.(*rsa.PublicKey)
		if !ok {
			return "", nil, fmt.Errorf("key %q is %T, want RSA public key", e.JWK.KeyID, e.JWK.Key)
		}

		keys = append(keys, Key{
			ID:        e.JWK.KeyID,
			Public:    pub,
			CreatedAt: e.CreatedAt,
			RetiredAt: e.RetiredAt,
		})
	}

	return m.Active, keys, nil
}

// decodeKeySet assembles and validates a key set from its two halves.
func decodeKeySet(privatePEM, manifestJSON []byte) (*KeySet, error) {
	priv, err := decodePrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}

	active, keys, err := decodeManifest(manifestJSON)
	if err != nil {
		return nil, err
	}

	s := &KeySet{ActiveID: active, Private: priv, Keys: keys}
	if err := s.validate(); err != nil {
		return nil, err
	}

	return s, nil
}

func marshalBlob(s *KeySet) ([]byte, error) {
	privatePEM, err := encodePrivateKey(s.Private)
	if err != nil {
		return nil, err
	}

	m, err := encodeManifest(s)
	if err != nil {
		return nil, err
	}

	return json.Marshal(blob{PrivateKey: string(privatePEM), PublicKeys: m})
}

func unmarshalBlob(data []byte) (*KeySet, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing key blob: %w", err)
	}

	return decodeKeySet([]byte(b.PrivateKey), b.PublicKeys)
}
