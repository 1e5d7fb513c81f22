package kv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	storeerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "commitlog-"
	segmentSuffix = ".log"
	snapshotName  = "snapshot.json"
)

// Op is one key mutation inside a committed transaction
type Op struct {
	Table  string `json:"t"`
	Key    string `json:"k"`
	Value  []byte `json:"v,omitempty"`
	Delete bool   `json:"d,omitempty"`
}

type logRecord struct {
	Seq int64  `json:"seq"`
	Ops []Op   `json:"ops"`
	CRC uint32 `json:"crc"`
}

type snapshot struct {
	Seq    int64                        `json:"seq"`
	Tables map[string]map[string][]byte `json:"tables"`
	CRC    uint32                       `json:"crc"`
}

// CommitLog is an append-only log of committed transactions split into
// size-bounded segments. Segment files are named after the first sequence
// number they hold.
type CommitLog struct {
	dir         string
	segmentSize int64
	syncWrites  bool
	logger      *zap.Logger

	current     *os.File
	currentSize int64
}

func openCommitLog(dir string, segmentSize int64, syncWrites bool, logger *zap.Logger) (*CommitLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}
	return &CommitLog{
		dir:         dir,
		segmentSize: segmentSize,
		syncWrites:  syncWrites,
		logger:      logger,
	}, nil
}

// append writes one record; the caller holds the store's write lock
func (l *CommitLog) append(seq int64, ops []Op) error {
	if l.current == nil || (l.segmentSize > 0 && l.currentSize >= l.segmentSize) {
		if err := l.openSegment(seq); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to marshal ops: %w", err)
	}
	data, err := json.Marshal(logRecord{Seq: seq, Ops: ops, CRC: checksum(payload)})
	if err != nil {
		return fmt.Errorf("failed to marshal commit record: %w", err)
	}
	data = append(data, '\n')

	n, err := l.current.Write(data)
	l.currentSize += int64(n)
	if err != nil {
		return storeerrors.CommitLogFailed("failed to write to commit log", err)
	}
	if l.syncWrites {
		if err := l.current.Sync(); err != nil {
			return storeerrors.CommitLogFailed("failed to sync commit log", err)
		}
	}
	return nil
}

func (l *CommitLog) openSegment(firstSeq int64) error {
	if l.current != nil {
		if err := l.current.Close(); err != nil {
			l.logger.Warn("Failed to close commit log segment", zap.Error(err))
		}
	}

	path := filepath.Join(l.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, firstSeq, segmentSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return storeerrors.CommitLogFailed("failed to open commit log segment", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return storeerrors.CommitLogFailed("failed to stat commit log segment", err)
	}

	l.current = f
	l.currentSize = info.Size()
	l.logger.Debug("Opened commit log segment", zap.String("path", path))
	return nil
}

// segments lists segment files ordered by first sequence number
func (l *CommitLog) segments() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list commit log files: %w", err)
	}
	type seg struct {
		path  string
		first int64
	}
	segs := make([]seg, 0, len(files))
	for _, f := range files {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), segmentPrefix), segmentSuffix)
		first, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			l.logger.Warn("Ignoring unrecognized commit log file", zap.String("file", f))
			continue
		}
		segs = append(segs, seg{path: f, first: first})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].first < segs[j].first })

	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.path
	}
	return paths, nil
}

// replay calls apply for every record with Seq > after, in order, and
// returns the highest sequence number seen
func (l *CommitLog) replay(after int64, apply func(seq int64, ops []Op)) (int64, error) {
	paths, err := l.segments()
	if err != nil {
		return after, err
	}

	last := after
	for i, path := range paths {
		seq, err := l.replayFile(path, last, i == len(paths)-1, apply)
		if err != nil {
			return last, err
		}
		last = seq
	}
	return last, nil
}

func (l *CommitLog) replayFile(path string, after int64, tail bool, apply func(seq int64, ops []Op)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return after, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	last := after
	var good int64
	for scanner.Scan() {
		var rec logRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			if tail {
				// torn write at the end of the newest segment
				l.logger.Warn("Discarding incomplete commit log record",
					zap.String("file", path), zap.Int64("after_seq", last), zap.Error(err))
				if err := os.Truncate(path, good); err != nil {
					return last, storeerrors.CommitLogFailed("failed to truncate torn commit log tail", err)
				}
				return last, nil
			}
			return last, storeerrors.CorruptedData(fmt.Sprintf("unreadable commit log record in %s", path), err)
		}
		payload, err := json.Marshal(rec.Ops)
		if err != nil {
			return last, err
		}
		if cerr := verifyChecksum(payload, rec.CRC); cerr != nil {
			return last, cerr.WithDetail("seq", rec.Seq)
		}
		good += int64(len(scanner.Bytes())) + 1
		if rec.Seq <= last {
			continue
		}
		apply(rec.Seq, rec.Ops)
		last = rec.Seq
	}
	return last, scanner.Err()
}

// writeSnapshot persists tables at seq and drops segments it covers
func (l *CommitLog) writeSnapshot(ctx context.Context, seq int64, tables map[string]map[string][]byte) error {
	payload, err := json.Marshal(tables)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	data, err := json.Marshal(snapshot{Seq: seq, Tables: tables, CRC: checksum(payload)})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := filepath.Join(l.dir, snapshotName+".tmp")
	if err := writeFileSync(tmp, data); err != nil {
		return storeerrors.CommitLogFailed("failed to write snapshot", err)
	}

	backoff := retry.WithMaxRetries(5, retry.WithJitter(5*time.Millisecond, retry.NewExponential(10*time.Millisecond)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := os.Rename(tmp, filepath.Join(l.dir, snapshotName)); err != nil {
			l.logger.Warn("Snapshot rename failed, retrying", zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return storeerrors.CommitLogFailed("failed to install snapshot", err)
	}

	// every record up to seq is now in the snapshot; start a fresh segment
	// and remove the older ones
	paths, err := l.segments()
	if err != nil {
		return err
	}
	if err := l.openSegment(seq + 1); err != nil {
		return err
	}
	active := l.current.Name()
	for _, p := range paths {
		if p == active {
			continue
		}
		if err := os.Remove(p); err != nil {
			l.logger.Warn("Failed to remove compacted segment", zap.String("file", p), zap.Error(err))
		}
	}
	return nil
}

func (l *CommitLog) readSnapshot() (*snapshot, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, snapshotName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, storeerrors.CorruptedData("unreadable snapshot", err)
	}
	payload, err := json.Marshal(snap.Tables)
	if err != nil {
		return nil, err
	}
	if cerr := verifyChecksum(payload, snap.CRC); cerr != nil {
		return nil, cerr
	}
	return &snap, nil
}

func (l *CommitLog) close() error {
	if l.current == nil {
		return nil
	}
	err := l.current.Close()
	l.current = nil
	return err
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
