package kv

import (
	"hash/crc32"

	storeerrors "github.com/devrev/pairdb/docstore/internal/errors"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// checksum covers the canonical JSON of a commit record or snapshot body
func checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}

func verifyChecksum(payload []byte, expected uint32) *storeerrors.StorageError {
	if actual := checksum(payload); actual != expected {
		return storeerrors.ChecksumFailed(expected, actual)
	}
	return nil
}
