package batchmem

import (
	"errors"
	"fmt"
	"os"

	storeerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"go.uber.org/zap"
)

// ErrReleased is returned by an allocator that has already been released
var ErrReleased = errors.New("batch allocator released")

// Config bounds the memory one inbound batch may hold
type Config struct {
	// ChunkSize is the size of each bump-allocated arena chunk
	ChunkSize int
	// DedicatedThreshold routes requests at least this large to their own block
	DedicatedThreshold int
	// MaxMemory caps arena plus dedicated bytes; 0 means unlimited
	MaxMemory int64
	// SpillThreshold sends attachment streams at least this large to a temp file
	SpillThreshold int64
	// TempDir holds spill files; empty uses os.TempDir
	TempDir string
}

// DefaultConfig returns allocator defaults
func DefaultConfig() Config {
	return Config{
		ChunkSize:          64 * 1024,
		DedicatedThreshold: 16 * 1024,
		MaxMemory:          256 * 1024 * 1024,
		SpillThreshold:     4 * 1024 * 1024,
	}
}

// Stats reports allocator usage
type Stats struct {
	ArenaBytes     int64
	DedicatedBytes int64
	Chunks         int
	Dedicated      int
	SpilledFiles   int
	SpilledBytes   int64
}

// Allocator hands out byte slices for the lifetime of one batch. Small
// requests are bump-allocated from arena chunks, large ones get a dedicated
// block, and big attachment streams spill to temp files. Everything is
// dropped together by Release. An Allocator is not safe for concurrent use.
type Allocator struct {
	cfg    Config
	logger *zap.Logger

	chunks    [][]byte
	offset    int
	dedicated [][]byte
	spilled   []string
	stats     Stats
	released  bool
}

// New creates an allocator
func New(cfg Config, logger *zap.Logger) *Allocator {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.DedicatedThreshold <= 0 || cfg.DedicatedThreshold > cfg.ChunkSize {
		cfg.DedicatedThreshold = cfg.ChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{cfg: cfg, logger: logger}
}

// Allocate returns a zeroed slice of length n
func (a *Allocator) Allocate(n int) ([]byte, error) {
	if a.released {
		return nil, ErrReleased
	}
	if n < 0 {
		return nil, fmt.Errorf("negative allocation size %d", n)
	}
	if n == 0 {
		return []byte{}, nil
	}

	if n >= a.cfg.DedicatedThreshold {
		if err := a.reserve(int64(n)); err != nil {
			return nil, err
		}
		block := make([]byte, n)
		a.dedicated = append(a.dedicated, block)
		a.stats.Dedicated++
		a.stats.DedicatedBytes += int64(n)
		return block, nil
	}

	if len(a.chunks) == 0 || a.offset+n > len(a.chunks[len(a.chunks)-1]) {
		if err := a.reserve(int64(a.cfg.ChunkSize)); err != nil {
			return nil, err
		}
		a.chunks = append(a.chunks, make([]byte, a.cfg.ChunkSize))
		a.offset = 0
		a.stats.Chunks++
		a.stats.ArenaBytes += int64(a.cfg.ChunkSize)
	}

	chunk := a.chunks[len(a.chunks)-1]
	b := chunk[a.offset : a.offset+n : a.offset+n]
	a.offset += n
	return b, nil
}

// Copy returns an allocator-owned copy of b
func (a *Allocator) Copy(b []byte) ([]byte, error) {
	dst, err := a.Allocate(len(b))
	if err != nil {
		return nil, err
	}
	copy(dst, b)
	return dst, nil
}

// Stream stores one attachment's content, spilling to disk when it is
// large or memory is exhausted
func (a *Allocator) Stream(hash string, data []byte) (model.AttachmentStream, error) {
	if a.released {
		return model.AttachmentStream{}, ErrReleased
	}

	size := int64(len(data))
	spill := a.cfg.SpillThreshold > 0 && size >= a.cfg.SpillThreshold
	if !spill {
		b, err := a.Copy(data)
		if err == nil {
			return model.AttachmentStream{Hash: hash, Data: b}, nil
		}
		if storeerrors.GetCode(err) != storeerrors.ErrCodeResourceExhausted {
			return model.AttachmentStream{}, err
		}
	}

	path, err := a.spill(data)
	if err != nil {
		return model.AttachmentStream{}, err
	}
	return model.AttachmentStream{Hash: hash, Path: path}, nil
}

func (a *Allocator) spill(data []byte) (string, error) {
	f, err := os.CreateTemp(a.cfg.TempDir, "batch-spill-*")
	if err != nil {
		return "", fmt.Errorf("failed to create spill file: %w", err)
	}
	a.spilled = append(a.spilled, f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write spill file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close spill file: %w", err)
	}

	a.stats.SpilledFiles++
	a.stats.SpilledBytes += int64(len(data))
	return f.Name(), nil
}

func (a *Allocator) reserve(n int64) error {
	if a.cfg.MaxMemory <= 0 {
		return nil
	}
	used := a.stats.ArenaBytes + a.stats.DedicatedBytes
	if used+n > a.cfg.MaxMemory {
		return storeerrors.ResourceExhausted("batch memory", used+n, a.cfg.MaxMemory)
	}
	return nil
}

// Stats returns current usage
func (a *Allocator) Stats() Stats {
	return a.stats
}

// Release drops all memory and removes spill files. Safe to call repeatedly.
func (a *Allocator) Release() error {
	if a.released {
		return nil
	}
	a.released = true

	var errs []error
	for _, p := range a.spilled {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(a.spilled) > 0 {
		a.logger.Debug("Released batch spill files", zap.Int("files", len(a.spilled)))
	}

	a.chunks = nil
	a.dedicated = nil
	a.spilled = nil
	a.offset = 0
	return errors.Join(errs...)
}
