package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnauthorized is returned when an identify token is missing, malformed,
// expired, or bound to a different user than the one declared.
var ErrUnauthorized = errors.New("realtime: unauthorized")

// TokenVerifier validates identify tokens issued by the marketplace auth
// layer. The realtime core never issues tokens; it only checks them.
type TokenVerifier interface {
	// Verify returns the user id the token is bound to.
	Verify(token string) (string, error)
}

// HMACVerifier checks compact "userID.expiresUnix.signature" tokens signed
// with HMAC-SHA256 over "userID.expiresUnix".
type HMACVerifier struct {
	key []byte
	now func() time.Time
}

// NewHMACVerifier constructs a verifier over the shared signing key.
func NewHMACVerifier(key []byte) (*HMACVerifier, error) {
	if len(key) < 16 {
		return nil, errors.New("realtime: hmac key too short")
	}
	return &HMACVerifier{key: key, now: time.Now}, nil
}

// Verify implements TokenVerifier.
func (v *HMACVerifier) Verify(token string) (string, error) {
	if v == nil {
		return "", ErrUnauthorized
	}

	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: malformed token", ErrUnauthorized)
	}
	userID, expRaw, sig := parts[0], parts[1], parts[2]
	if userID == "" || expRaw == "" || sig == "" {
		return "", fmt.Errorf("%w: malformed token", ErrUnauthorized)
	}

	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: malformed expiry", ErrUnauthorized)
	}
	if v.now().UTC().Unix() > exp {
		return "", fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	want := SignToken(v.key, userID, exp)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}
	return userID, nil
}

// SignToken produces the signature part for (userID, expiresUnix).
// Exported so tests can mint tokens against a shared key.
func SignToken(key []byte, userID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%d", userID, expiresUnix)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// MintToken issues a complete token. Only the marketplace auth layer does
// this in production; tooling and tests use it to simulate that collaborator.
func MintToken(key []byte, userID string, expiresAt time.Time) string {
	exp := expiresAt.UTC().Unix()
	return fmt.Sprintf("%s.%d.%s", userID, exp, SignToken(key, userID, exp))
}
