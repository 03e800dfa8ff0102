package uplink

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

// ErrSignatureInvalid reports a config payload whose detached signature does
// not match the trusted key.
var ErrSignatureInvalid = errors.New("config signature invalid")

// SignatureVerifier checks minisign detached signatures against a trusted
// public key.
type SignatureVerifier struct {
	publicKey minisign.PublicKey
}

// NewSignatureVerifier parses the public key, including its comment line.
func NewSignatureVerifier(pubKey string) (*SignatureVerifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	publicKey, err := minisign.DecodePublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &SignatureVerifier{publicKey: publicKey}, nil
}

// Verify validates payload against the encoded signature text.
func (v *SignatureVerifier) Verify(payload []byte, encodedSignature string) error {
	if strings.TrimSpace(encodedSignature) == "" {
		return fmt.Errorf("%w: signature missing", ErrSignatureInvalid)
	}
	signature, err := minisign.DecodeSignature(encodedSignature)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrSignatureInvalid, err)
	}
	ok, err := v.publicKey.Verify(payload, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifyHeader is Verify for a signature carried base64 encoded in an HTTP
// header, where the multi-line text form cannot travel as is.
func (v *SignatureVerifier) VerifyHeader(payload []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: signature missing", ErrSignatureInvalid)
	}
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("%w: header encoding: %v", ErrSignatureInvalid, err)
	}
	return v.Verify(payload, string(decoded))
}

// EncodeSignatureHeader turns a minisign signature file into the header form
// accepted by VerifyHeader.
func EncodeSignatureHeader(signature []byte) string {
	return base64.StdEncoding.EncodeToString(signature)
}
