// Package errs defines the structured error taxonomy shared by the
// resolver, downloader and task layers.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Code classifies the failure modes a download task can hit.
type Code int

const (
	// CodeUnknown represents an unclassified error.
	CodeUnknown Code = iota

	// CodeInvalidInput represents a malformed or unusable request, such as
	// an empty source URL or an unknown channel.
	CodeInvalidInput

	// CodeInvalidState represents an operation the task's current status
	// does not allow, such as resuming a task that is not paused.
	CodeInvalidState

	// CodeManifestTooDeep is returned when playlist nesting exceeds the
	// resolver's recursion limit.
	CodeManifestTooDeep

	// CodeNoPlayableSegments is returned when resolution finishes without
	// producing a single media segment.
	CodeNoPlayableSegments

	// CodeEncryptedStream is returned for playlists that declare key-based
	// encryption, which the downloader does not support.
	CodeEncryptedStream

	// CodeAuthExpired represents an authorization failure on a segment or
	// manifest fetch, typically a 403 from an expiring token.
	CodeAuthExpired

	// CodeSegmentFetch is returned when a segment exhausted its retry attempts.
	CodeSegmentFetch

	// CodeSegmentMissing is returned when the merge step finds a gap in the
	// stored segment sequence.
	CodeSegmentMissing

	// CodeStorageFull represents a failed segment write due to exhausted
	// disk space.
	CodeStorageFull

	// CodeExternalJobMissing is returned when the transcode service no
	// longer knows the job a task refers to.
	CodeExternalJobMissing

	// CodeUpstream represents a non-auth HTTP error from the origin.
	CodeUpstream
)

// String returns the snake_case name of the code, used in logs and API payloads.
func (c Code) String() string {
	switch c {
	case CodeInvalidInput:
		return "invalid_input"
	case CodeInvalidState:
		return "invalid_state"
	case CodeManifestTooDeep:
		return "manifest_too_deep"
	case CodeNoPlayableSegments:
		return "no_playable_segments"
	case CodeEncryptedStream:
		return "encrypted_stream"
	case CodeAuthExpired:
		return "authorization_expired"
	case CodeSegmentFetch:
		return "segment_fetch_failed"
	case CodeSegmentMissing:
		return "segment_missing"
	case CodeStorageFull:
		return "storage_full"
	case CodeExternalJobMissing:
		return "external_job_missing"
	case CodeUpstream:
		return "upstream_error"
	default:
		return "unknown"
	}
}

// Error is a structured download error carrying a classification code,
// optional source URL and the underlying cause.
type Error struct {
	Code Code

	// Message is a short human-readable description.
	Message string

	// URL is the source URL that caused the error, if applicable.
	URL string

	// Underlying is the original error, if any.
	Underlying error

	// Retryable indicates whether the condition might clear on a retry.
	Retryable bool

	// HTTPStatus carries the upstream status code for HTTP-shaped errors.
	HTTPStatus int
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Underlying != nil {
		return msg + ": " + e.Underlying.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableByCode(code)}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap annotates an existing error with a code and message.
func Wrap(underlying error, code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryableByCode(code),
	}
}

// WithURL attaches the source URL and returns the same error.
func (e *Error) WithURL(url string) *Error {
	e.URL = url
	return e
}

// FromHTTPStatus builds an Error for an unexpected upstream status code.
func FromHTTPStatus(status int, url string) *Error {
	e := &Error{
		Message:    fmt.Sprintf("upstream returned HTTP %d", status),
		URL:        url,
		HTTPStatus: status,
	}
	switch {
	case status == 401 || status == 403:
		e.Code = CodeAuthExpired
	case status >= 500 || status == 429:
		e.Code = CodeUpstream
		e.Retryable = true
	default:
		e.Code = CodeUpstream
	}
	return e
}

// CodeOf extracts the classification code from an error chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsAuthExpired reports whether the error looks like an expired-authorization
// failure. Errors from proxies and CDNs are not always structured, so a
// "403"-shaped message is accepted as well.
func IsAuthExpired(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && (e.Code == CodeAuthExpired || e.HTTPStatus == 403) {
		return true
	}
	return strings.Contains(err.Error(), "403")
}

// IsStorageFull reports whether the error chain indicates exhausted disk space.
func IsStorageFull(err error) bool {
	if err == nil {
		return false
	}
	if HasCode(err, CodeStorageFull) || errors.Is(err, syscall.ENOSPC) {
		return true
	}
	return strings.Contains(err.Error(), "no space left on device")
}

func retryableByCode(c Code) bool {
	return c == CodeUpstream || c == CodeSegmentFetch
}
