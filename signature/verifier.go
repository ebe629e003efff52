package signature

import (
	"crypto/hmac"
	"errors"
	"strings"
)

// ErrMalformedHeader is returned when a signature header is not "{alg}={hex}".
var ErrMalformedHeader = errors.New("signature: malformed header")

// Verify checks a signature header produced by Sign.
func (s *Signer) Verify(payload []byte, secret, header string) bool {
	return Verify(payload, secret, header)
}

// Verify checks header against the HMAC of payload under secret. The
// algorithm is taken from the header; unknown algorithms never verify.
// The digest comparison runs in constant time.
func Verify(payload []byte, secret, header string) bool {
	alg, _, err := ParseHeader(header)
	if err != nil {
		return false
	}
	expected, err := Sign(payload, secret, alg)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(header))))
}

// ParseHeader splits a signature header into its algorithm and hex digest.
func ParseHeader(header string) (Algorithm, string, error) {
	name, digest, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || digest == "" {
		return "", "", ErrMalformedHeader
	}
	alg := Algorithm(strings.ToLower(name))
	if !alg.Valid() || alg == "" {
		return "", "", ErrUnsupportedAlgorithm
	}
	return alg, digest, nil
}
