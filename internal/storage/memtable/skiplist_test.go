package memtable_test

import (
	"fmt"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/storage/memtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipList_InsertReplacesValue(t *testing.T) {
	sl := memtable.NewSkipList[[]byte]()

	sl.Insert("users/1", []byte(`{"v":1}`))
	sl.Insert("users/1", []byte(`{"v":2}`))
	val, found := sl.Search("users/1")
	require.True(t, found)
	assert.Equal(t, []byte(`{"v":2}`), val)
	assert.Equal(t, 1, sl.Len())
}

func TestSkipList_Search(t *testing.T) {
	sl := memtable.NewSkipList[string]()
	sl.Insert("users/1|A:1", "rev-a")
	sl.Insert("users/1|B:1", "rev-b")
	sl.Insert("users/2|A:2", "rev-c")

	tests := []struct {
		name      string
		key       string
		wantValue string
		wantFound bool
	}{
		{name: "first revision", key: "users/1|A:1", wantValue: "rev-a", wantFound: true},
		{name: "sibling revision", key: "users/1|B:1", wantValue: "rev-b", wantFound: true},
		{name: "last key", key: "users/2|A:2", wantValue: "rev-c", wantFound: true},
		{name: "prefix only", key: "users/1", wantFound: false},
		{name: "missing", key: "users/3|A:1", wantFound: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, found := sl.Search(tt.key)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantValue, val)
		})
	}
}

func TestSkipList_Delete(t *testing.T) {
	sl := memtable.NewSkipList[int64]()
	for i, id := range []string{"conflicts/a", "conflicts/b", "conflicts/c"} {
		sl.Insert(id, int64(i))
	}

	assert.True(t, sl.Delete("conflicts/b"))
	assert.False(t, sl.Delete("conflicts/b"))
	assert.Equal(t, 2, sl.Len())

	var keys []string
	for it := sl.Seek("conflicts/"); it.Next(); {
		keys = append(keys, it.Key())
	}
	assert.Equal(t, []string{"conflicts/a", "conflicts/c"}, keys)
}

func TestSkipList_IteratorOrder(t *testing.T) {
	sl := memtable.NewSkipList[int]()
	sl.Insert("cherry", 3)
	sl.Insert("apple", 1)
	sl.Insert("banana", 2)

	var keys []string
	it := sl.Iterator()
	for it.Next() {
		keys = append(keys, it.Key())
	}
	assert.Equal(t, []string{"apple", "banana", "cherry"}, keys)
}

func TestSkipList_AscendPrefix(t *testing.T) {
	sl := memtable.NewSkipList[int]()
	for i := 0; i < 5; i++ {
		sl.Insert(fmt.Sprintf("users/%02d", i), i)
		sl.Insert(fmt.Sprintf("orders/%02d", i), i)
	}
	sl.Insert("users", -1)

	var got []string
	sl.AscendPrefix("users/", "", func(key string, _ int) bool {
		got = append(got, key)
		return true
	})
	assert.Equal(t, []string{"users/00", "users/01", "users/02", "users/03", "users/04"}, got)

	got = got[:0]
	sl.AscendPrefix("users/", "users/02", func(key string, _ int) bool {
		got = append(got, key)
		return len(got) < 2
	})
	assert.Equal(t, []string{"users/02", "users/03"}, got)
}

func TestSkipList_Empty(t *testing.T) {
	sl := memtable.NewSkipList[string]()

	_, found := sl.Search("users/1")
	assert.False(t, found)
	assert.False(t, sl.Delete("users/1"))
	assert.False(t, sl.Iterator().Next())
	assert.False(t, sl.Seek("a").Next())
	assert.Equal(t, 0, sl.Len())
}

func BenchmarkSkipList_Insert(b *testing.B) {
	sl := memtable.NewSkipList[[]byte]()
	body := []byte(`{}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Insert(fmt.Sprintf("docs/%08d", i), body)
	}
}
