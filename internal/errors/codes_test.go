package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestStorageError_GRPCMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *StorageError
		want codes.Code
	}{
		{"invalid item", InvalidItem("users/1", "missing collection"), codes.InvalidArgument},
		{"invalid vector", InvalidVector("R1", nil), codes.InvalidArgument},
		{"protocol", ProtocolViolation("unexpected frame", nil), codes.InvalidArgument},
		{"not found", DocumentNotFound("users/1"), codes.NotFound},
		{"conflict", DocumentConflict("users/1", 2), codes.Aborted},
		{"concurrent modification", ConcurrentModification("users/1", 3, 4), codes.Aborted},
		{"missing attachments", MissingAttachments("h1"), codes.FailedPrecondition},
		{"disk full", DiskFull(97.5, 10), codes.ResourceExhausted},
		{"throttled", DiskThrottled(91), codes.Unavailable},
		{"checksum", ChecksumFailed(1, 2), codes.DataLoss},
		{"resolution failed", ResolutionFailed("users/1", fmt.Errorf("bad script")), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestGetCode_WrappedChain(t *testing.T) {
	inner := CollectionMismatch("users/1", []string{"users", "orders"})
	wrapped := fmt.Errorf("pass failed: %w", inner)

	assert.True(t, IsStorageError(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeCollectionMismatch))
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
	assert.False(t, HasCode(nil, ErrCodeInternal))
	assert.Equal(t, []string{"users", "orders"}, inner.Details["collections"])
}

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "collection_mismatch", ErrCodeCollectionMismatch.String())
	assert.Equal(t, "invariant_violation", ErrCodeInvariantViolation.String())
	assert.Equal(t, "code_42", ErrorCode(42).String())
}

func TestStorageError_MessageIncludesCause(t *testing.T) {
	err := ResolutionFailed("users/1", fmt.Errorf("bad script"))
	assert.Equal(t, "failed to resolve conflict for users/1: bad script", err.Error())
	assert.EqualError(t, err.Unwrap(), "bad script")
}
