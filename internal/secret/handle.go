// Package secret — хэндл расшифрованного ключа агента.
//
// Ключ живет в анонимном mmap-регионе вне кучи Go: GC не копирует его,
// регион закреплен в RAM (mlock) и исключен из core dump. Close зануляет память.
// Хэндл одноразовый: пайплайн отдает его подписанту и сразу закрывает.
package secret

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sys/unix"
)

var ErrHandleClosed = errors.New("secret: key handle is closed")

// KeyHandle — ссылка на приватный ключ, переданная за пределы хранилища.
// Не копировать после создания.
type KeyHandle struct {
	mu     sync.Mutex
	data   []byte
	mapped bool // false — mmap недоступен, ключ лежит в обычном слайсе
	closed bool
}

// NewKeyHandle копирует raw в защищенный регион и зануляет исходный слайс.
func NewKeyHandle(raw []byte) (*KeyHandle, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("secret: empty key material")
	}

	h := &KeyHandle{}
	data, err := unix.Mmap(-1, 0, len(raw), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err == nil {
		h.data = data
		h.mapped = true
		// mlock и MADV_DONTDUMP — best effort: RLIMIT_MEMLOCK в контейнерах бывает нулевым
		_ = unix.Mlock(data)
		_ = unix.Madvise(data, unix.MADV_DONTDUMP)
	} else {
		h.data = make([]byte, len(raw))
	}

	copy(h.data, raw)
	zero(raw)
	return h, nil
}

// WithPrivateKey выдает ключ колбэку на время вызова. Ссылку на ключ сохранять нельзя.
func (h *KeyHandle) WithPrivateKey(fn func(key *ecdsa.PrivateKey) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}

	key, err := crypto.ToECDSA(h.data)
	if err != nil {
		return fmt.Errorf("secret: invalid key material: %w", err)
	}
	defer key.D.SetInt64(0)

	return fn(key)
}

// Sign подписывает 32-байтовый хэш ключом хэндла, формат [R || S || V].
func (h *KeyHandle) Sign(hash []byte) ([]byte, error) {
	var sig []byte
	err := h.WithPrivateKey(func(key *ecdsa.PrivateKey) error {
		var err error
		sig, err = crypto.Sign(hash, key)
		return err
	})
	return sig, err
}

// Address — адрес, соответствующий ключу (не секрет).
func (h *KeyHandle) Address() (common.Address, error) {
	var addr common.Address
	err := h.WithPrivateKey(func(key *ecdsa.PrivateKey) error {
		addr = crypto.PubkeyToAddress(key.PublicKey)
		return nil
	})
	return addr, err
}

// Close зануляет и освобождает память. Идемпотентен.
func (h *KeyHandle) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	zero(h.data)
	if !h.mapped {
		h.data = nil
		return nil
	}
	_ = unix.Munlock(h.data)
	err := unix.Munmap(h.data)
	h.data = nil
	if err != nil {
		return fmt.Errorf("secret: munmap failed: %w", err)
	}
	return nil
}

// Closed сообщает, освобожден ли хэндл.
func (h *KeyHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// String и GoString не раскрывают содержимое ни в логах, ни в %#v.
func (h *KeyHandle) String() string   { return "KeyHandle(redacted)" }
func (h *KeyHandle) GoString() string { return h.String() }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
