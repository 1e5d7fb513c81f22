package errors

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for replication and storage operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeDocumentNotFound ErrorCode = 1001
	ErrCodeDocumentConflict ErrorCode = 1002
	ErrCodeInvalidItem      ErrorCode = 1003
	ErrCodeInvalidVector    ErrorCode = 1004
	ErrCodeProtocol         ErrorCode = 1005
	ErrCodeChecksumFailed   ErrorCode = 1006

	// Expected replication conditions
	ErrCodeMissingAttachments     ErrorCode = 1500
	ErrCodeConcurrentModification ErrorCode = 1501

	// Resolution failures
	ErrCodeResolutionFailed   ErrorCode = 1600
	ErrCodeCollectionMismatch ErrorCode = 1601
	ErrCodeInvariantViolation ErrorCode = 1602

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeDiskFull          ErrorCode = 2002
	ErrCodeDiskThrottled     ErrorCode = 2003
	ErrCodeCommitLogFailed   ErrorCode = 2004
	ErrCodeCorruptedData     ErrorCode = 2007
	ErrCodeResourceExhausted ErrorCode = 2008
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                     "ok",
	ErrCodeInvalidArgument:        "invalid_argument",
	ErrCodeDocumentNotFound:       "document_not_found",
	ErrCodeDocumentConflict:       "document_conflict",
	ErrCodeInvalidItem:            "invalid_item",
	ErrCodeInvalidVector:          "invalid_vector",
	ErrCodeProtocol:               "protocol",
	ErrCodeChecksumFailed:         "checksum_failed",
	ErrCodeMissingAttachments:     "missing_attachments",
	ErrCodeConcurrentModification: "concurrent_modification",
	ErrCodeResolutionFailed:       "resolution_failed",
	ErrCodeCollectionMismatch:     "collection_mismatch",
	ErrCodeInvariantViolation:     "invariant_violation",
	ErrCodeInternal:               "internal",
	ErrCodeUnavailable:            "unavailable",
	ErrCodeDiskFull:               "disk_full",
	ErrCodeDiskThrottled:          "disk_throttled",
	ErrCodeCommitLogFailed:        "commit_log_failed",
	ErrCodeCorruptedData:          "corrupted_data",
	ErrCodeResourceExhausted:      "resource_exhausted",
}

// String returns the snake_case name used in metric labels and alert kinds
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidItem, ErrCodeInvalidVector, ErrCodeProtocol:
		return codes.InvalidArgument
	case ErrCodeDocumentNotFound:
		return codes.NotFound
	case ErrCodeDocumentConflict, ErrCodeConcurrentModification:
		return codes.Aborted
	case ErrCodeMissingAttachments:
		return codes.FailedPrecondition
	case ErrCodeDiskFull, ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeDiskThrottled, ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func DocumentNotFound(id string) *StorageError {
	return NewStorageError(ErrCodeDocumentNotFound, fmt.Sprintf("document not found: %s", id), nil).
		WithDetail("id", id)
}

func DocumentConflict(id string, members int) *StorageError {
	return NewStorageError(ErrCodeDocumentConflict, fmt.Sprintf("document %s is in conflict (%d versions)", id, members), nil).
		WithDetail("id", id).
		WithDetail("members", members)
}

func InvalidItem(id, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidItem, fmt.Sprintf("invalid replicated item '%s': %s", id, reason), nil).
		WithDetail("id", id).
		WithDetail("reason", reason)
}

func InvalidVector(vector string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidVector, fmt.Sprintf("invalid version vector '%s'", vector), cause).
		WithDetail("vector", vector)
}

func ProtocolViolation(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeProtocol, message, cause)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func MissingAttachments(hashes ...string) *StorageError {
	return NewStorageError(ErrCodeMissingAttachments, fmt.Sprintf("missing attachment content: %s", strings.Join(hashes, ", ")), nil).
		WithDetail("hashes", hashes)
}

func ConcurrentModification(id string, expectedEtag, actualEtag int64) *StorageError {
	return NewStorageError(ErrCodeConcurrentModification, fmt.Sprintf("conflict group %s changed: expected etag %d, got %d", id, expectedEtag, actualEtag), nil).
		WithDetail("id", id).
		WithDetail("expected_etag", expectedEtag).
		WithDetail("actual_etag", actualEtag)
}

func ResolutionFailed(id string, cause error) *StorageError {
	return NewStorageError(ErrCodeResolutionFailed, fmt.Sprintf("failed to resolve conflict for %s", id), cause).
		WithDetail("id", id)
}

func CollectionMismatch(id string, collections []string) *StorageError {
	return NewStorageError(ErrCodeCollectionMismatch, fmt.Sprintf("conflict for %s spans collections %s", id, strings.Join(collections, ", ")), nil).
		WithDetail("id", id).
		WithDetail("collections", collections)
}

func InvariantViolation(message string) *StorageError {
	return NewStorageError(ErrCodeInvariantViolation, message, nil)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

func CommitLogFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCommitLogFailed, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func ResourceExhausted(resource string, current, limit int64) *StorageError {
	return NewStorageError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// IsStorageError checks if an error is, or wraps, a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
