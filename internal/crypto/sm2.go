// Package crypto wraps the SM2 asymmetric encryption required by the
// Sichuan regulatory platform.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/tjfoc/gmsm/sm2"
	"github.com/tjfoc/gmsm/x509"
)

// Encryptor encrypts report payloads with the platform's SM2 public key.
type Encryptor struct {
	pub *sm2.PublicKey
}

// NewEncryptor parses a hex-encoded SM2 public key as handed out by the
// platform operator.
func NewEncryptor(publicKeyHex string) (*Encryptor, error) {
	if publicKeyHex == "" {
		return nil, errors.New("public key cannot be empty")
	}

	pub, err := x509.ReadPublicKeyFromHex(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SM2 public key: %w", err)
	}

	return &Encryptor{pub: pub}, nil
}

// Encrypt encrypts the plaintext in C1C3C2 mode and returns the ciphertext
// base64-encoded, the form the platform accepts in a request body.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	ciphertext, err := sm2.Encrypt(e.pub, plaintext, rand.Reader, sm2.C1C3C2)
	if err != nil {
		return "", fmt.Errorf("sm2 encryption failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}
