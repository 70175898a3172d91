// Package replay persists session recordings attached to error reports.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/kiranshivaraju/bugshot/internal/events"
)

const refScheme = "file://"

var (
	ErrEmptyPayload = errors.New("replay payload is empty")
	ErrInvalidRef   = errors.New("invalid replay reference")
)

// Store saves replay payloads and returns an opaque reference to them.
type Store interface {
	Save(ctx context.Context, projectID, occurrenceID uuid.UUID, payload *events.ReplayPayload) (string, error)
	Load(ctx context.Context, ref string) (*events.ReplayPayload, error)
}

// encoder and decoder are shared; both are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("replay: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("replay: zstd decoder initialization failed: " + err.Error())
	}
}

// LocalFileStore writes compressed payloads under a dated directory tree:
// <base>/<project>/<yyyy>/<mm>/<dd>/<occurrence>.json.zst
type LocalFileStore struct {
	base string
	now  func() time.Time
}

func NewLocalFileStore(base string) (*LocalFileStore, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolving replay path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating replay directory: %w", err)
	}
	return &LocalFileStore{base: abs, now: time.Now}, nil
}

func (s *LocalFileStore) Save(ctx context.Context, projectID, occurrenceID uuid.UUID, payload *events.ReplayPayload) (string, error) {
	if payload == nil || len(payload.Events) == 0 {
		return "", ErrEmptyPayload
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding replay: %w", err)
	}

	day := s.now().UTC()
	dir := filepath.Join(s.base, projectID.String(), day.Format("2006"), day.Format("01"), day.Format("02"))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating replay directory: %w", err)
	}

	path := filepath.Join(dir, occurrenceID.String()+".json.zst")
	tmp, err := os.CreateTemp(dir, ".replay-*")
	if err != nil {
		return "", fmt.Errorf("creating replay file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encoder.EncodeAll(raw, nil)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing replay file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing replay file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("finalizing replay file: %w", err)
	}

	return refScheme + filepath.ToSlash(path), nil
}

func (s *LocalFileStore) Load(_ context.Context, ref string) (*events.ReplayPayload, error) {
	path, ok := strings.CutPrefix(ref, refScheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	path = filepath.Clean(filepath.FromSlash(path))
	if !strings.HasPrefix(path, s.base+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: outside replay root", ErrInvalidRef)
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading replay file: %w", err)
	}
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}

	var p events.ReplayPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding replay: %w", err)
	}
	return &p, nil
}
