package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"arbor/pkg/types"
)

// LocalConfig holds local filesystem backend settings.
type LocalConfig struct {
	RootPath    string `json:"root_path"`
	Compression bool   `json:"compression"`
}

// LocalStore writes blobs to a local directory, fanned out by ref prefix
// to keep directories small.
type LocalStore struct {
	rootPath string
	compress bool
	logger   *zap.Logger
}

func NewLocalStore(cfg LocalConfig, logger *zap.Logger) (*LocalStore, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	if err := os.MkdirAll(cfg.RootPath, 0755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", cfg.RootPath, err)
	}
	return &LocalStore{
		rootPath: cfg.RootPath,
		compress: cfg.Compression,
		logger:   logger,
	}, nil
}

func (s *LocalStore) blobPath(ref types.BlobRef) string {
	name := string(ref)
	return filepath.Join(s.rootPath, name[:2], name)
}

func (s *LocalStore) Put(ctx context.Context, data []byte) (types.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := NewRef(data)
	path := s.blobPath(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	payload := data
	if s.compress {
		compressed, err := gzipBytes(data)
		if err != nil {
			return "", fmt.Errorf("compress blob: %w", err)
		}
		payload = compressed
	}

	// Write to a temp file first so a crash never leaves a torn blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit blob: %w", err)
	}

	s.logger.Debug("Blob stored",
		zap.String("ref", string(ref)),
		zap.Int("bytes", len(data)))
	return ref, nil
}

func (s *LocalStore) Get(ctx context.Context, ref types.BlobRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(s.blobPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	if s.compress {
		return gunzipBytes(payload)
	}
	return payload, nil
}

func (s *LocalStore) Delete(ctx context.Context, ref types.BlobRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}

func (s *LocalStore) Size(ctx context.Context, ref types.BlobRef) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.compress {
		// Stored size differs from content size, decode to answer exactly.
		data, err := s.Get(ctx, ref)
		if err != nil {
			return 0, err
		}
		return int64(len(data)), nil
	}
	info, err := os.Stat(s.blobPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return 0, fmt.Errorf("stat blob %s: %w", ref, err)
	}
	return info.Size(), nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	defer reader.Close()
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return out, nil
}
