package sessions

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks sealed payloads so a slot that still holds a plaintext
// snapshot from before sealing was enabled is reported as unreadable, not decrypted.
var sealedPrefix = []byte("sealed.v1:")

// SealedSlot encrypts snapshots at rest with XChaCha20-Poly1305. The slot name is
// bound as additional data so a sealed primary copy cannot be replayed into the backup.
type SealedSlot struct {
	inner Slot
	aead  cipher.AEAD
}

var _ Slot = (*SealedSlot)(nil)

// NewSealedSlot wraps inner so its contents are encrypted with key.
func NewSealedSlot(inner Slot, key []byte) (*SealedSlot, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("[NewSealedSlot] %w", err)
	}
	return &SealedSlot{inner: inner, aead: aead}, nil
}

func (s *SealedSlot) Name() string {
	return s.inner.Name()
}

func (s *SealedSlot) Read(ctx context.Context) ([]byte, error) {
	sealed, err := s.inner.Read(ctx)
	if err != nil {
		return nil, err
	}
	if len(sealed) < len(sealedPrefix) || string(sealed[:len(sealedPrefix)]) != string(sealedPrefix) {
		return nil, apperrors.ErrUnsealFailed
	}
	sealed = sealed[len(sealedPrefix):]

	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, apperrors.ErrUnsealFailed
	}
	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(s.inner.Name()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUnsealFailed, err)
	}
	return plain, nil
}

func (s *SealedSlot) Write(ctx context.Context, data []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(data)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrSealFailed, err)
	}
	sealed := s.aead.Seal(nonce, nonce, data, []byte(s.inner.Name()))
	return s.inner.Write(ctx, append(append([]byte{}, sealedPrefix...), sealed...))
}

func (s *SealedSlot) Remove(ctx context.Context) error {
	return s.inner.Remove(ctx)
}
