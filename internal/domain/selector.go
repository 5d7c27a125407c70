package domain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Selector — 4-байтовый селектор функции контракта.
type Selector [4]byte

// SelectorFromSignature считает селектор как keccak256("swapIn(...)")[:4].
func SelectorFromSignature(sig string) Selector {
	var s Selector
	copy(s[:], crypto.Keccak256([]byte(sig))[:4])
	return s
}

// ParseSelector принимает "0x12345678" или "12345678".
func ParseSelector(v string) (Selector, error) {
	var s Selector
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(v), "0x"))
	if err != nil {
		return s, fmt.Errorf("invalid selector %q: %w", v, err)
	}
	if len(raw) != len(s) {
		return s, fmt.Errorf("invalid selector %q: want 4 bytes, got %d", v, len(raw))
	}
	copy(s[:], raw)
	return s, nil
}

func (s Selector) Hex() string {
	return "0x" + hex.EncodeToString(s[:])
}

func (s Selector) String() string { return s.Hex() }

func (s Selector) MarshalText() ([]byte, error) {
	return []byte(s.Hex()), nil
}

func (s *Selector) UnmarshalText(data []byte) error {
	parsed, err := ParseSelector(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
