package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/xela07ax/agentguard/internal/domain"
	"golang.org/x/crypto/hkdf"
)

const (
	ivSize  = 12
	tagSize = 16

	// Контекст HKDF: ключ шифрования хранилища не совпадает с сырым мастер-ключом
	kdfInfo = "agentguard/vault/aes-256-gcm/v1"
)

// sealer — AEAD поверх мастер-ключа. Сам ключ после инициализации не хранится.
type sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

func newSealer(master []byte) (*sealer, error) {
	dek := make([]byte, MasterKeySize)
	defer zero(dek)

	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(kdfInfo)), dek); err != nil {
		return nil, fmt.Errorf("vault: derive data key: %w", err)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &sealer{aead: aead, rand: rand.Reader}, nil
}

// seal шифрует ключ со свежим IV. agentID идет в AAD: шифртекст нельзя
// переставить под другого агента.
func (s *sealer) seal(plaintext []byte, agentID string) (domain.SealedKey, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return domain.SealedKey{}, fmt.Errorf("vault: generate iv: %w", err)
	}

	out := s.aead.Seal(nil, iv, plaintext, []byte(agentID))
	split := len(out) - tagSize
	return domain.SealedKey{
		IV:         iv,
		Ciphertext: out[:split],
		Tag:        out[split:],
	}, nil
}

// open проверяет тег и расшифровывает. Любая ошибка — ErrDecryptionFailed.
func (s *sealer) open(sealed domain.SealedKey, agentID string) ([]byte, error) {
	if len(sealed.IV) != ivSize || len(sealed.Tag) != tagSize {
		return nil, domain.ErrDecryptionFailed
	}

	buf := make([]byte, 0, len(sealed.Ciphertext)+tagSize)
	buf = append(buf, sealed.Ciphertext...)
	buf = append(buf, sealed.Tag...)

	plaintext, err := s.aead.Open(nil, sealed.IV, buf, []byte(agentID))
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	return plaintext, nil
}
