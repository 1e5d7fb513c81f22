package memtable

import (
	"math/rand"
	"strings"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

type node[V any] struct {
	key     string
	value   V
	forward []*node[V]
}

// SkipList is an ordered string-keyed map. It is not safe for concurrent
// mutation; callers serialize writers and guard readers themselves.
type SkipList[V any] struct {
	head  *node[V]
	level int
	size  int
}

// NewSkipList creates an empty skip list
func NewSkipList[V any]() *SkipList[V] {
	return &SkipList[V]{
		head: &node[V]{forward: make([]*node[V], MaxLevel)},
	}
}

func randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPath fills update with the rightmost node before key on every level
func (sl *SkipList[V]) findPath(key string, update []*node[V]) *node[V] {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

// Insert adds key or replaces its value
func (sl *SkipList[V]) Insert(key string, value V) {
	update := make([]*node[V], MaxLevel)
	next := sl.findPath(key, update)
	if next != nil && next.key == key {
		next.value = value
		return
	}

	lvl := randomLevel()
	if lvl > sl.level {
		for i := sl.level + 1; i <= lvl; i++ {
			update[i] = sl.head
		}
		sl.level = lvl
	}

	n := &node[V]{key: key, value: value, forward: make([]*node[V], lvl+1)}
	for i := 0; i <= lvl; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	sl.size++
}

// Search returns the value stored under key
func (sl *SkipList[V]) Search(key string) (V, bool) {
	n := sl.findPath(key, nil)
	if n != nil && n.key == key {
		return n.value, true
	}
	var zero V
	return zero, false
}

// Delete removes key and reports whether it was present
func (sl *SkipList[V]) Delete(key string) bool {
	update := make([]*node[V], MaxLevel)
	n := sl.findPath(key, update)
	if n == nil || n.key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != n {
			break
		}
		update[i].forward[i] = n.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

// Len returns the number of keys
func (sl *SkipList[V]) Len() int {
	return sl.size
}

// Iterator returns an iterator positioned before the first key
func (sl *SkipList[V]) Iterator() *Iterator[V] {
	return &Iterator[V]{current: sl.head}
}

// Seek returns an iterator positioned before the first key >= key
func (sl *SkipList[V]) Seek(key string) *Iterator[V] {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
	}
	return &Iterator[V]{current: current}
}

// AscendPrefix calls fn for every key with prefix, starting at from when
// from sorts after prefix, until fn returns false
func (sl *SkipList[V]) AscendPrefix(prefix, from string, fn func(key string, value V) bool) {
	start := prefix
	if from > start {
		start = from
	}
	it := sl.Seek(start)
	for it.Next() {
		if !strings.HasPrefix(it.Key(), prefix) {
			return
		}
		if !fn(it.Key(), it.Value()) {
			return
		}
	}
}

// Iterator walks a skip list in key order. Call Next before the first read.
type Iterator[V any] struct {
	current *node[V]
}

// Next advances the iterator
func (it *Iterator[V]) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.forward[0]
	return it.current != nil
}

// Key returns the current key
func (it *Iterator[V]) Key() string {
	if it.current == nil {
		return ""
	}
	return it.current.key
}

// Value returns the current value
func (it *Iterator[V]) Value() V {
	if it.current == nil {
		var zero V
		return zero
	}
	return it.current.value
}
