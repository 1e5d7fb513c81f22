package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	storeerrors "github.com/devrev/pairdb/docstore/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func scanAll(r Reader, table, prefix string) []string {
	var out []string
	r.Scan(table, prefix, "", func(key string, value []byte) bool {
		out = append(out, key+"="+string(value))
		return true
	})
	return out
}

func TestTx_CommitPublishesAtomically(t *testing.T) {
	s := NewInMemory(zap.NewNop())

	tx := s.Begin()
	tx.Put("docs", "a", []byte("1"))
	tx.Put("docs", "b", []byte("2"))

	// uncommitted writes are invisible to readers
	require.NoError(t, s.View(func(r Reader) error {
		_, ok := r.Get("docs", "a")
		assert.False(t, ok)
		return nil
	}))

	require.NoError(t, tx.Commit())
	require.NoError(t, s.View(func(r Reader) error {
		assert.Equal(t, []string{"a=1", "b=2"}, scanAll(r, "docs", ""))
		return nil
	}))
	assert.Equal(t, int64(1), s.Seq())
}

func TestTx_SavepointRollback(t *testing.T) {
	s := NewInMemory(zap.NewNop())
	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.Put("docs", "keep", []byte("v0"))
		return nil
	}))

	tx := s.Begin()
	tx.Put("docs", "first", []byte("1"))

	sp := tx.Savepoint()
	tx.Put("docs", "second", []byte("2"))
	tx.Delete("docs", "keep")
	_, ok := tx.Get("docs", "keep")
	assert.False(t, ok)
	tx.RollbackTo(sp)

	v, ok := tx.Get("docs", "keep")
	require.True(t, ok)
	assert.Equal(t, []byte("v0"), v)
	_, ok = tx.Get("docs", "second")
	assert.False(t, ok)

	sp = tx.Savepoint()
	tx.Put("docs", "third", []byte("3"))
	inner := tx.Savepoint()
	tx.Put("docs", "fourth", []byte("4"))
	tx.Release(inner)
	tx.Release(sp)

	require.NoError(t, tx.Commit())
	require.NoError(t, s.View(func(r Reader) error {
		assert.Equal(t, []string{"first=1", "fourth=4", "keep=v0", "third=3"}, scanAll(r, "docs", ""))
		return nil
	}))
}

func TestTx_RollbackDiscardsEverything(t *testing.T) {
	s := NewInMemory(zap.NewNop())

	err := s.Update(func(tx *Tx) error {
		tx.Put("docs", "a", []byte("1"))
		return errors.New("boom")
	})
	require.Error(t, err)

	require.NoError(t, s.View(func(r Reader) error {
		assert.Empty(t, scanAll(r, "docs", ""))
		return nil
	}))
	assert.Equal(t, int64(0), s.Seq())
}

func TestTx_ScanMergesOverlay(t *testing.T) {
	s := NewInMemory(zap.NewNop())
	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.Put("t", "p/1", []byte("base1"))
		tx.Put("t", "p/3", []byte("base3"))
		tx.Put("t", "p/5", []byte("base5"))
		tx.Put("t", "q/1", []byte("other"))
		return nil
	}))

	tx := s.Begin()
	defer tx.Rollback()
	tx.Put("t", "p/2", []byte("new2"))
	tx.Put("t", "p/3", []byte("new3"))
	tx.Delete("t", "p/5")
	tx.Put("t", "p/6", []byte("new6"))

	assert.Equal(t, []string{"p/1=base1", "p/2=new2", "p/3=new3", "p/6=new6"}, scanAll(tx, "t", "p/"))

	var fromThree []string
	tx.Scan("t", "p/", "p/3", func(key string, _ []byte) bool {
		fromThree = append(fromThree, key)
		return len(fromThree) < 2
	})
	assert.Equal(t, []string{"p/3", "p/6"}, fromThree)
}

func TestStore_RecoversFromCommitLog(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Update(func(tx *Tx) error {
			tx.Put("docs", fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i)))
			if i == 4 {
				tx.Delete("docs", "k0")
			}
			return nil
		}))
	}
	require.NoError(t, s.Close())

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(5), reopened.Seq())
	require.NoError(t, reopened.View(func(r Reader) error {
		assert.Equal(t, []string{"k1=v1", "k2=v2", "k3=v3", "k4=v4"}, scanAll(r, "docs", ""))
		return nil
	}))
}

func TestStore_CheckpointTruncatesLog(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir, SegmentSize: 64})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Update(func(tx *Tx) error {
			tx.Put("docs", fmt.Sprintf("k%02d", i), []byte("some value"))
			return nil
		}))
	}
	require.NoError(t, s.Checkpoint(context.Background()))
	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.Put("docs", "after", []byte("x"))
		return nil
	}))
	require.NoError(t, s.Close())

	segments, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"))
	require.NoError(t, err)
	assert.Len(t, segments, 1)
	_, err = os.Stat(filepath.Join(dir, snapshotName))
	require.NoError(t, err)

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, int64(11), reopened.Seq())
	require.NoError(t, reopened.View(func(r Reader) error {
		assert.Len(t, scanAll(r, "docs", ""), 11)
		return nil
	}))
}

func TestStore_TornTailIsDiscarded(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.Put("docs", "a", []byte("1"))
		return nil
	}))
	require.NoError(t, s.Close())

	segments, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	f, err := os.OpenFile(segments[0], os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"ops":[{"t":"docs"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, int64(1), reopened.Seq())
	require.NoError(t, reopened.Update(func(tx *Tx) error {
		tx.Put("docs", "b", []byte("2"))
		return nil
	}))
	require.NoError(t, reopened.Close())

	// the truncated segment is no longer the newest one and must replay cleanly
	again, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, int64(2), again.Seq())
}

func TestStore_ChecksumMismatchFailsRecovery(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.Put("docs", "a", []byte("1"))
		return nil
	}))
	require.NoError(t, s.Close())

	segments, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	data, err := os.ReadFile(segments[0])
	require.NoError(t, err)
	data = regexp.MustCompile(`"crc":\d+`).ReplaceAll(data, []byte(`"crc":1`))
	require.NoError(t, os.WriteFile(segments[0], data, 0644))

	_, err = Open(Options{Dir: dir})
	require.Error(t, err)
	assert.True(t, storeerrors.HasCode(err, storeerrors.ErrCodeChecksumFailed))
}

type rejectGuard struct{}

func (rejectGuard) CheckBeforeWrite(uint64) error { return errors.New("volume full") }

func TestStore_GuardRejectsCommit(t *testing.T) {
	s, err := Open(Options{Guard: rejectGuard{}})
	require.NoError(t, err)

	err = s.Update(func(tx *Tx) error {
		tx.Put("docs", "a", []byte("1"))
		return nil
	})
	require.Error(t, err)
	require.NoError(t, s.View(func(r Reader) error {
		_, ok := r.Get("docs", "a")
		assert.False(t, ok)
		return nil
	}))

	// the write lock is released after a rejected commit
	tx := s.Begin()
	tx.Rollback()
}
