package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Common errors
var (
	ErrCorruptCounter     = errors.New("frame counter record is corrupt")
	ErrPersistenceFailure = errors.New("frame counter could not be persisted")
	ErrCounterRollback    = errors.New("frame counter would move backwards")
)

// CounterStore persists the uplink frame counter of one device.
//
// The stored value is the next counter to use: after a frame carrying
// FCnt n has been sent, n+1 is saved. A store that has never been written
// loads as zero.
type CounterStore interface {
	Load(ctx context.Context) (uint32, error)
	Save(ctx context.Context, next uint32) error
}

// Backend names accepted by the configuration.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// parseCounter decodes the decimal ASCII representation shared by every
// backend. Surrounding whitespace is tolerated, anything else is corrupt.
func parseCounter(raw string) (uint32, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrCorruptCounter)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrCorruptCounter, s)
	}
	return uint32(n), nil
}

func formatCounter(n uint32) string {
	return strconv.FormatUint(uint64(n), 10)
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceFailure, op, err)
}

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown frame counter backend")

// Open returns the store selected by backend. path is used by the file
// backend, dsn and devAddr by the postgres backend. The caller closes the
// store when it implements io.Closer.
func Open(ctx context.Context, backend, path, dsn, devAddr string) (CounterStore, error) {
	switch backend {
	case BackendFile:
		return NewFileStore(path), nil
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, dsn, devAddr)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemoryStore(0), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
