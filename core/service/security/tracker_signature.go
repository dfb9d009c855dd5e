package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"tracker_server/core/domain"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

var ErrSignatureMismatch = errors.New("data signature mismatch")

// DataKeyDecrypter unwraps the symmetric key of a rich notification.
type DataKeyDecrypter interface {
	DecryptDataKey(encrypted []byte) ([]byte, error)
}

// RSADataKeyDecrypter unwraps keys with the private half of the
// subscription's encryption certificate.
type RSADataKeyDecrypter struct {
	key *rsa.PrivateKey
}

// NewRSADataKeyDecrypter parses a PEM encoded RSA private key.
func NewRSADataKeyDecrypter(pemBytes []byte) (*RSADataKeyDecrypter, error) {
	key, err := jwk.ParseKey(pemBytes, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("export private key: %w", err)
	}
	priv, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", raw)
	}
	return &RSADataKeyDecrypter{key: priv}, nil
}

// DecryptDataKey uses RSA-OAEP with SHA-1, as Graph does.
func (d *RSADataKeyDecrypter) DecryptDataKey(encrypted []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, d.key, encrypted, nil)
}

// VerifyDataSignature checks the HMAC-SHA256 of the encrypted payload.
func VerifyDataSignature(content *domain.EncryptedContent, keys DataKeyDecrypter) error {
	if keys == nil {
		return errors.New("no data key decrypter configured")
	}

	wrapped, err := base64.StdEncoding.DecodeString(content.DataKey)
	if err != nil {
		return fmt.Errorf("decode dataKey: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(content.Data)
	if err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(content.DataSignature)
	if err != nil {
		return fmt.Errorf("decode dataSignature: %w", err)
	}

	symmetric, err := keys.DecryptDataKey(wrapped)
	if err != nil {
		return fmt.Errorf("unwrap dataKey: %w", err)
	}

	mac := hmac.New(sha256.New, symmetric)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrSignatureMismatch
	}
	return nil
}
