package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/kv"
)

// Table names
const (
	tableDocs               = "docs"
	tableConflicts          = "conflicts"
	tableRevisions          = "revisions"
	tableRevisionsByID      = "revisions_by_id"
	tableRevisionsByEtag    = "revisions_by_etag"
	tableRevisionCounts     = "revision_counts"
	tableRevisionTombstones = "revision_tombstones"
	tableAttachments        = "attachments"
	tableBlobs              = "blobs"
	tableCounters           = "counters"
	tableTimeSeries         = "timeseries"
	tableTimeSeriesDeleted  = "timeseries_deleted"
	tableMeta               = "meta"
)

// Meta keys
const (
	metaDatabaseVector   = "db_vector"
	metaLastEtag         = "last_etag"
	metaCheckpointPrefix = "checkpoint/"
)

const keySep = "\x00"

// idKey normalizes a document id; ids are case insensitive
func idKey(id string) string {
	return strings.ToLower(id)
}

func idPrefix(id string) string {
	return idKey(id) + keySep
}

func etagKey(etag int64) string {
	return fmt.Sprintf("%020d", etag)
}

func compositeKey(parts ...string) string {
	return strings.Join(parts, keySep)
}

func getJSON[T any](r kv.Reader, table, key string) (*T, error) {
	data, ok := r.Get(table, key)
	if !ok {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("failed to decode %s/%q", table, key), err)
	}
	return &v, nil
}

func putJSON(tx *kv.Tx, table, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.InternalError(fmt.Sprintf("failed to encode %s/%q", table, key), err)
	}
	tx.Put(table, key, data)
	return nil
}

func getInt(r kv.Reader, table, key string) int64 {
	data, ok := r.Get(table, key)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(string(data), 10, 64)
	return n
}

func putInt(tx *kv.Tx, table, key string, n int64) {
	tx.Put(table, key, []byte(strconv.FormatInt(n, 10)))
}

// nextEtag allocates the next database etag
func nextEtag(tx *kv.Tx) int64 {
	etag := getInt(tx, tableMeta, metaLastEtag) + 1
	putInt(tx, tableMeta, metaLastEtag, etag)
	return etag
}

func lastEtag(r kv.Reader) int64 {
	return getInt(r, tableMeta, metaLastEtag)
}

func readDatabaseVector(r kv.Reader) (model.VersionVector, error) {
	data, ok := r.Get(tableMeta, metaDatabaseVector)
	if !ok {
		return model.VersionVector{}, nil
	}
	v, err := model.ParseVersionVector(string(data))
	if err != nil {
		return model.VersionVector{}, errors.CorruptedData("stored database vector is malformed", err)
	}
	return v, nil
}

func writeDatabaseVector(tx *kv.Tx, v model.VersionVector) {
	tx.Put(tableMeta, metaDatabaseVector, []byte(v.String()))
}

func readCheckpoint(r kv.Reader, source string) int64 {
	return getInt(r, tableMeta, metaCheckpointPrefix+source)
}

// advanceCheckpoint records counter for source when it moves forward
func advanceCheckpoint(tx *kv.Tx, source string, counter int64) bool {
	if source == "" || counter <= readCheckpoint(tx, source) {
		return false
	}
	putInt(tx, tableMeta, metaCheckpointPrefix+source, counter)
	return true
}

func getDocument(r kv.Reader, id string) (*model.DocumentRecord, error) {
	return getJSON[model.DocumentRecord](r, tableDocs, idKey(id))
}
