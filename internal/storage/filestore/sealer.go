package filestore

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32

	// scrypt parameters recommended for interactive logins
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var ErrSealBroken = errors.New("storage file could not be opened with this secret")

// Sealed file layout: salt | nonce | secretbox(payload)
type sealer struct {
	salt [saltSize]byte
	key  [keySize]byte
}

// Create sealer for existing sealed data (returns opened payload) or for a new file
func newSealer(secret string, sealed []byte) (*sealer, []byte, error) {
	s := &sealer{}

	if len(sealed) == 0 {
		if _, err := rand.Read(s.salt[:]); err != nil {
			return nil, nil, fmt.Errorf("error while generating salt. Err: %w", err)
		}
		if err := s.derive(secret); err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}

	if len(sealed) < saltSize+nonceSize+secretbox.Overhead {
		return nil, nil, ErrSealBroken
	}

	copy(s.salt[:], sealed[:saltSize])
	if err := s.derive(secret); err != nil {
		return nil, nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[saltSize:saltSize+nonceSize])

	payload, ok := secretbox.Open(nil, sealed[saltSize+nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, nil, ErrSealBroken
	}

	return s, payload, nil
}

func (s *sealer) derive(secret string) error {
	key, err := scrypt.Key([]byte(secret), s.salt[:], scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return fmt.Errorf("error while deriving storage key. Err: %w", err)
	}
	copy(s.key[:], key)
	return nil
}

func (s *sealer) seal(payload []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("error while generating nonce. Err: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(payload)+secretbox.Overhead)
	out = append(out, s.salt[:]...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, payload, &nonce, &s.key), nil
}
