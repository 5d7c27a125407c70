package domain

import "errors"

var (
	// Not-found: терминально для запроса, но не тревожно
	ErrAgentNotFound      = errors.New("agent not found")
	ErrPermissionNotFound = errors.New("permission not found")

	// Integrity faults: подмена данных или неверная конфигурация, не ретраить
	ErrDecryptionFailed   = errors.New("credential decryption failed")
	ErrMalformedMasterKey = errors.New("malformed master key")

	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrAgentExists        = errors.New("agent already exists")
	ErrInvalidLimits      = errors.New("invalid rate limits")
	ErrInvalidPermission  = errors.New("invalid permission grant")

	// ErrCASConflict — значение в сторе изменилось между чтением и записью
	ErrCASConflict = errors.New("compare-and-swap conflict")
)
