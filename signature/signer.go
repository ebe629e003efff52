// Package signature provides HMAC signing and verification for webhook payloads.
//
// Signatures are rendered as "{algorithm}={hex digest}" over the exact bytes
// sent on the wire, e.g. "sha256=5257a869...".
package signature

import (
	"crypto/hmac"
	"crypto/md5"  //nolint:gosec // G501: md5 is offered for receivers that cannot do better.
	"crypto/sha1" //nolint:gosec // G505: sha1 is offered for receivers that cannot do better.
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
)

// Algorithm names the HMAC digest used to sign a payload.
type Algorithm string

// Supported algorithms.
const (
	SHA256 Algorithm = "sha256"
	SHA1   Algorithm = "sha1"
	MD5    Algorithm = "md5"
)

// DefaultAlgorithm is used when a webhook does not pick one.
const DefaultAlgorithm = SHA256

// ErrUnsupportedAlgorithm is returned for algorithms outside sha256, sha1 and md5.
var ErrUnsupportedAlgorithm = errors.New("signature: unsupported algorithm")

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	_, err := a.hasher()
	return err == nil
}

func (a Algorithm) hasher() (func() hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New, nil
	case SHA1:
		return sha1.New, nil
	case MD5:
		return md5.New, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
	}
}

// Signer computes HMAC signatures for webhook payloads.
type Signer struct{}

// NewSigner returns a new Signer.
func NewSigner() *Signer {
	return &Signer{}
}

// Sign generates the signature header value for payload.
func (s *Signer) Sign(payload []byte, secret string, alg Algorithm) (string, error) {
	return Sign(payload, secret, alg)
}

// Sign generates the signature header value for payload. An empty
// algorithm means sha256.
func Sign(payload []byte, secret string, alg Algorithm) (string, error) {
	newHash, err := alg.hasher()
	if err != nil {
		return "", err
	}
	if alg == "" {
		alg = DefaultAlgorithm
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return string(alg) + "=" + hex.EncodeToString(mac.Sum(nil)), nil
}
