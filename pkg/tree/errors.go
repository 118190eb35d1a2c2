package tree

import (
	"errors"
	"fmt"
)

// Every public operation fails with exactly one of these kinds, wrapped
// with path context. Callers test with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInvalidName    = errors.New("invalid name")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrInvalidRange   = errors.New("invalid range")
	ErrStorage        = errors.New("storage failure")
	ErrArchiveCorrupt = errors.New("archive corrupt")
)

func notFound(path string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, path)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func invalidName(name string) error {
	return fmt.Errorf("%w: %q", ErrInvalidName, name)
}

func typeMismatch(path, want string) error {
	return fmt.Errorf("%w: %s is not a %s", ErrTypeMismatch, path, want)
}

func storageFailure(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
