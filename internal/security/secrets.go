package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrMalformedAuthorization = errors.New("malformed authorization header")

// HashSecretSHA256 is how access tokens are stored: never in clear.
func HashSecretSHA256(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func ConstantTimeEqualHex(aHex, bHex string) bool {
	a, err1 := hex.DecodeString(aHex)
	b, err2 := hex.DecodeString(bHex)
	if err1 != nil || err2 != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// TokenFromAuthorization extracts the access token of an Authorization
// header. "Token" and "Bearer" carry it as is; "Basic" carries it as the
// user name of the base64 credentials.
func TokenFromAuthorization(header string) (string, error) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", ErrMalformedAuthorization
	}
	switch strings.ToLower(scheme) {
	case "token", "bearer":
		return value, nil
	case "basic":
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return "", ErrMalformedAuthorization
		}
		user, _, _ := strings.Cut(string(raw), ":")
		if user == "" {
			return "", ErrMalformedAuthorization
		}
		return user, nil
	default:
		return "", ErrMalformedAuthorization
	}
}

// NewToken returns a random hex token of n bytes of entropy.
func NewToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
