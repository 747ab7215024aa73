package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
	"github.com/alexjbarnes/taskauth/internal/keys"
)

const (
	testIssuer   = "https://tasks.example.com"
	testAudience = "taskmate-api"
)

func newTestKeys(t *testing.T) *keys.Manager {
	t.Helper()

	m := keys.NewManager(keys.NewFileBackend(filepath.Join(t.TempDir(), "keys")), keys.ManagerConfig{
		Bits:      1024,
		Retention: time.Hour,
	})
	require.NoError(t, m.Ensure(context.Background()))

	return m
}

func issue(t *testing.T, iss *Issuer) string {
	t.Helper()

	raw, _, err := iss.Issue(context.Background(), "user-42", "client-1", "tasks:read tasks:write", time.Hour)
	require.NoError(t, err)

	return raw
}

// tamper flips one character in the middle of the signature segment.
func tamper(raw string) string {
	parts := strings.Split(raw, ".")
	sig := []byte(parts[2])
	i := len(sig) / 2

	if sig[i] == 'A' {
		sig[i] = 'B'
	} else {
		sig[i] = 'A'
	}

	parts[2] = string(sig)

	return strings.Join(parts, ".")
}

// --- Issue ---

func TestIssue_Claims(t *testing.T) {
	km := newTestKeys(t)
	iss := NewIssuer(km, testIssuer, testAudience)
	now := time.Unix(1_700_000_000, 0)
	iss.now = func() time.Time { return now }

	raw, claims, err := iss.Issue(context.Background(), "user-42", "client-1", "tasks:read", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, "tasks:read", claims.Scope)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{testAudience}, claims.Audience)
	assert.Equal(t, now.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
	assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())

	_, err = uuid.Parse(claims.ID)
	assert.NoError(t, err, "jti must be a random UUID")

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, &Claims{})
	require.NoError(t, err)
	assert.Equal(t, "RS256", parsed.Header["alg"])
	assert.Equal(t, keys.DefaultKeyID, parsed.Header["kid"])
}

func TestIssue_AudienceIsSingleString(t *testing.T) {
	raw := issue(t, NewIssuer(newTestKeys(t), testIssuer, testAudience))

	payload, err := base64.RawURLEncoding.DecodeString(strings.Split(raw, ".")[1])
	require.NoError(t, err)

	aud := gjson.GetBytes(payload, "aud")
	assert.Equal(t, gjson.String, aud.Type, "aud must be a JSON string, got %s", aud.Raw)
	assert.Equal(t, testAudience, aud.String())
}

func TestIssue_UniqueJTI(t *testing.T) {
	iss := NewIssuer(newTestKeys(t), testIssuer, testAudience)

	_, a, err := iss.Issue(context.Background(), "u", "c", "tasks:read", time.Hour)
	require.NoError(t, err)

	_, b, err := iss.Issue(context.Background(), "u", "c", "tasks:read", time.Hour)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

// --- Verify ---

func TestVerify_RoundTrip(t *testing.T) {
	km := newTestKeys(t)
	raw := issue(t, NewIssuer(km, testIssuer, testAudience))

	claims, err := NewVerifier(km, testIssuer, testAudience).Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.True(t, claims.HasScope("tasks:write"))
	assert.False(t, claims.HasScope("email"))
}

func TestVerify_Expired(t *testing.T) {
	km := newTestKeys(t)
	raw := issue(t, NewIssuer(km, testIssuer, testAudience))

	v := NewVerifier(km, testIssuer, testAudience)
	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err := v.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, apperrors.ErrExpiredSignature)
}

func TestVerify_TamperedSignature(t *testing.T) {
	km := newTestKeys(t)
	raw := issue(t, NewIssuer(km, testIssuer, testAudience))

	_, err := NewVerifier(km, testIssuer, testAudience).Verify(context.Background(), tamper(raw))
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestVerify_WrongAudience(t *testing.T) {
	km := newTestKeys(t)
	raw := issue(t, NewIssuer(km, testIssuer, testAudience))

	_, err := NewVerifier(km, testIssuer, "other-api").Verify(context.Background(), raw)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAudience)
}

func TestVerify_WrongIssuer(t *testing.T) {
	km := newTestKeys(t)
	raw := issue(t, NewIssuer(km, "https://evil.example.com", testAudience))

	_, err := NewVerifier(km, testIssuer, testAudience).Verify(context.Background(), raw)
	assert.ErrorIs(t, err, apperrors.ErrInvalidIssuer)
}

func TestVerify_Malformed(t *testing.T) {
	km := newTestKeys(t)
	v := NewVerifier(km, testIssuer, testAudience)

	for _, raw := range []string{"", "garbage", "a.b.c"} {
		_, err := v.Verify(context.Background(), raw)
		assert.ErrorIs(t, err, apperrors.ErrTokenDecode, raw)
	}
}

func TestVerify_RejectsHMAC(t *testing.T) {
	km := newTestKeys(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "attacker",
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	tok.Header["kid"] = keys.DefaultKeyID

	raw, err := tok.SignedString([]byte("guessable"))
	require.NoError(t, err)

	_, err = NewVerifier(km, testIssuer, testAudience).Verify(context.Background(), raw)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestVerify_ForeignKeySameKid(t *testing.T) {
	km := newTestKeys(t)

	foreign, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "attacker",
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	tok.Header["kid"] = keys.DefaultKeyID

	raw, err := tok.SignedString(foreign)
	require.NoError(t, err)

	_, err = NewVerifier(km, testIssuer, testAudience).Verify(context.Background(), raw)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestVerify_UnknownKid(t *testing.T) {
	km := newTestKeys(t)
	other := newTestKeys(t)

	// A kid this verifier has never published.
	_, err := other.Rotate(context.Background())
	require.NoError(t, err)

	raw := issue(t, NewIssuer(other, testIssuer, testAudience))

	_, err = NewVerifier(km, testIssuer, testAudience).Verify(context.Background(), raw)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)

	// Missing kid header.
	_, priv, err := km.SigningKey(context.Background())
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})

	raw, err = tok.SignedString(priv)
	require.NoError(t, err)

	_, err = NewVerifier(km, testIssuer, testAudience).Verify(context.Background(), raw)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestVerify_SurvivesRotation(t *testing.T) {
	km := newTestKeys(t)
	iss := NewIssuer(km, testIssuer, testAudience)
	v := NewVerifier(km, testIssuer, testAudience)

	before := issue(t, iss)

	_, err := km.Rotate(context.Background())
	require.NoError(t, err)

	after := issue(t, iss)

	_, err = v.Verify(context.Background(), before)
	require.NoError(t, err, "tokens signed by a retired key stay valid")

	_, err = v.Verify(context.Background(), after)
	require.NoError(t, err)
}

func TestVerify_ErrorsAreExclusive(t *testing.T) {
	km := newTestKeys(t)
	raw := issue(t, NewIssuer(km, testIssuer, testAudience))

	_, err := NewVerifier(km, testIssuer, "other-api").Verify(context.Background(), raw)
	require.Error(t, err)

	matched := 0

	for _, sentinel := range []error{
		apperrors.ErrExpiredSignature,
		apperrors.ErrInvalidSignature,
		apperrors.ErrInvalidAudience,
		apperrors.ErrInvalidIssuer,
		apperrors.ErrTokenDecode,
	} {
		if errors.Is(err, sentinel) {
			matched++
		}
	}

	assert.Equal(t, 1, matched)
}
