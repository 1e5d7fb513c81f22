package kv

import (
	"sort"
	"strings"

	"go.uber.org/zap"
)

type entry struct {
	value   []byte
	deleted bool
}

type layer map[string]map[string]entry

// Tx buffers writes over committed state. Savepoints stack overlay layers
// so a failed step can be undone without touching earlier work.
type Tx struct {
	store  *Store
	layers []layer
	done   bool
}

func newTx(s *Store) *Tx {
	return &Tx{store: s, layers: []layer{{}}}
}

// Get reads through the overlay stack, then committed state
func (tx *Tx) Get(table, key string) ([]byte, bool) {
	for i := len(tx.layers) - 1; i >= 0; i-- {
		if rows, ok := tx.layers[i][table]; ok {
			if e, ok := rows[key]; ok {
				if e.deleted {
					return nil, false
				}
				return e.value, true
			}
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return baseReader{tx.store}.Get(table, key)
}

// Put stores a copy of value under key
func (tx *Tx) Put(table, key string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	tx.top(table)[key] = entry{value: v}
}

// Delete removes key
func (tx *Tx) Delete(table, key string) {
	tx.top(table)[key] = entry{deleted: true}
}

func (tx *Tx) top(table string) map[string]entry {
	l := tx.layers[len(tx.layers)-1]
	rows, ok := l[table]
	if !ok {
		rows = make(map[string]entry)
		l[table] = rows
	}
	return rows
}

// Scan merges overlay writes with committed rows in key order
func (tx *Tx) Scan(table, prefix, from string, fn func(key string, value []byte) bool) {
	start := prefix
	if from > start {
		start = from
	}

	pending := make(map[string]entry)
	for _, l := range tx.layers {
		for k, e := range l[table] {
			if k >= start && strings.HasPrefix(k, prefix) {
				pending[k] = e
			}
		}
	}
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	i := 0
	stopped := false
	// emitOverlay yields overlay keys sorting before limit; limit "" means all
	emitOverlay := func(limit string, all bool) bool {
		for i < len(keys) && (all || keys[i] < limit) {
			e := pending[keys[i]]
			k := keys[i]
			i++
			if e.deleted {
				continue
			}
			if !fn(k, e.value) {
				return false
			}
		}
		return true
	}

	tx.store.mu.RLock()
	baseReader{tx.store}.Scan(table, prefix, start, func(key string, value []byte) bool {
		if !emitOverlay(key, false) {
			stopped = true
			return false
		}
		if e, ok := pending[key]; ok {
			i++
			if e.deleted {
				return true
			}
			if !fn(key, e.value) {
				stopped = true
				return false
			}
			return true
		}
		if !fn(key, value) {
			stopped = true
			return false
		}
		return true
	})
	tx.store.mu.RUnlock()

	if !stopped {
		emitOverlay("", true)
	}
}

// Savepoint opens a nested scope and returns its handle
func (tx *Tx) Savepoint() int {
	tx.layers = append(tx.layers, layer{})
	return len(tx.layers) - 1
}

// RollbackTo discards every write made since savepoint sp was opened
func (tx *Tx) RollbackTo(sp int) {
	if sp <= 0 || sp >= len(tx.layers) {
		return
	}
	tx.layers = tx.layers[:sp]
}

// Release folds the writes of savepoint sp into the enclosing scope
func (tx *Tx) Release(sp int) {
	if sp <= 0 || sp >= len(tx.layers) {
		return
	}
	dst := tx.layers[sp-1]
	for _, l := range tx.layers[sp:] {
		for table, rows := range l {
			d, ok := dst[table]
			if !ok {
				d = make(map[string]entry, len(rows))
				dst[table] = d
			}
			for k, e := range rows {
				d[k] = e
			}
		}
	}
	tx.layers = tx.layers[:sp]
}

// Pending returns the number of buffered key writes
func (tx *Tx) Pending() int {
	n := 0
	for _, l := range tx.layers {
		for _, rows := range l {
			n += len(rows)
		}
	}
	return n
}

// Commit makes all buffered writes durable and visible atomically
func (tx *Tx) Commit() error {
	if tx.done {
		return nil
	}
	defer tx.finish()

	tx.Release(1)
	ops, size := collectOps(tx.layers[0])
	if len(ops) == 0 {
		return nil
	}

	s := tx.store
	if s.guard != nil {
		if err := s.guard.CheckBeforeWrite(size); err != nil {
			return err
		}
	}

	seq := s.seq + 1
	if s.log != nil {
		if err := s.log.append(seq, ops); err != nil {
			s.logger.Error("Commit log append failed, transaction discarded",
				zap.Int64("seq", seq), zap.Int("ops", len(ops)), zap.Error(err))
			return err
		}
	}

	s.mu.Lock()
	s.apply(ops)
	s.seq = seq
	s.mu.Unlock()
	return nil
}

// Rollback discards the transaction
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.finish()
}

func (tx *Tx) finish() {
	tx.done = true
	tx.layers = nil
	tx.store.writeMu.Unlock()
}

func collectOps(l layer) ([]Op, uint64) {
	var ops []Op
	var size uint64
	for table, rows := range l {
		for k, e := range rows {
			ops = append(ops, Op{Table: table, Key: k, Value: e.value, Delete: e.deleted})
			size += uint64(len(table) + len(k) + len(e.value))
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Table != ops[j].Table {
			return ops[i].Table < ops[j].Table
		}
		return ops[i].Key < ops[j].Key
	})
	return ops, size
}
