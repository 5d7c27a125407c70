package vault

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/xela07ax/agentguard/internal/domain"
)

// MasterKeySize — AES-256.
const MasterKeySize = 32

// SecretProvider — источник мастер-ключа. Читается один раз при создании Vault.
type SecretProvider interface {
	MasterKey() ([]byte, error)
}

// EnvProvider читает hex-ключ из переменной окружения (например, AGENT_MASTER_KEY).
type EnvProvider struct {
	Name string
}

func (p EnvProvider) MasterKey() ([]byte, error) {
	raw := os.Getenv(p.Name)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is not set", domain.ErrMalformedMasterKey, p.Name)
	}
	return DecodeMasterKey(raw)
}

// FileProvider читает hex-ключ из файла (Docker/K8s secret mount).
type FileProvider struct {
	Path string
}

func (p FileProvider) MasterKey() ([]byte, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrMalformedMasterKey, p.Path, err)
	}
	defer zero(data)
	return DecodeMasterKey(string(data))
}

// StaticProvider — ключ, уже находящийся в памяти (тесты, внешние KMS-обертки).
type StaticProvider []byte

func (p StaticProvider) MasterKey() ([]byte, error) {
	if len(p) != MasterKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", domain.ErrMalformedMasterKey, MasterKeySize, len(p))
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

// DecodeMasterKey разбирает hex-строку. Само значение в ошибку не попадает.
func DecodeMasterKey(raw string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex", domain.ErrMalformedMasterKey)
	}
	if len(key) != MasterKeySize {
		zero(key)
		return nil, fmt.Errorf("%w: want %d bytes, got %d", domain.ErrMalformedMasterKey, MasterKeySize, len(key))
	}
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
