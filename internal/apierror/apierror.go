// Package apierror defines the closed error taxonomy that crosses every
// component boundary in repertory. Host adapters map these onto POSIX
// errno values or NTSTATUS codes; nothing below this layer panics or
// throws across a package boundary.
package apierror

import "errors"

// Error is a sentinel api_error. Components compare against these with
// errors.Is; a caller may wrap one with fmt.Errorf("%w: ...", Error) to
// add context without losing the identity check.
type Error struct {
	code Code
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Code identifies an Error for wire transmission (§6: "signed 32-bit
// integers with a fixed mapping").
type Code int32

const (
	CodeSuccess Code = iota
	CodeNotFound
	CodeAlreadyExists
	CodeNotADirectory
	CodeIsADirectory
	CodeNotEmpty
	CodePermissionDenied
	CodeNotSupported
	CodeIOError
	CodeCommError
	CodeDecryptionError
	CodeIncompatibleVersion
	CodeCacheNotInitialized
	CodeInvalidArgument
)

// CodeOf returns the closed taxonomy code for an api_error, or
// CodeSuccess if err is nil, or CodeIOError if err is a non-api_error
// (the adapter boundary should never see this case for internal code,
// but a foreign error must still map to something other than success).
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeIOError
}

var (
	NotFound            = &Error{CodeNotFound, "not found"}
	AlreadyExists       = &Error{CodeAlreadyExists, "already exists"}
	NotADirectory       = &Error{CodeNotADirectory, "not a directory"}
	IsADirectory        = &Error{CodeIsADirectory, "is a directory"}
	NotEmpty            = &Error{CodeNotEmpty, "directory not empty"}
	PermissionDenied    = &Error{CodePermissionDenied, "permission denied"}
	NotSupported        = &Error{CodeNotSupported, "not supported"}
	IOError             = &Error{CodeIOError, "io error"}
	CommError           = &Error{CodeCommError, "communication error"}
	DecryptionError     = &Error{CodeDecryptionError, "decryption error"}
	IncompatibleVersion = &Error{CodeIncompatibleVersion, "incompatible version"}
	CacheNotInitialized = &Error{CodeCacheNotInitialized, "cache not initialized"}
	InvalidArgument     = &Error{CodeInvalidArgument, "invalid argument"}
)

// Is implements errors.Is matching by code, so a wrapped copy of an
// Error with different context still compares equal to the sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.code == t.code
	}
	return false
}

// FromCode maps a wire Code back to a sentinel Error, for a remote
// mount client reconstructing the server's error.
func FromCode(c Code) error {
	switch c {
	case CodeSuccess:
		return nil
	case CodeNotFound:
		return NotFound
	case CodeAlreadyExists:
		return AlreadyExists
	case CodeNotADirectory:
		return NotADirectory
	case CodeIsADirectory:
		return IsADirectory
	case CodeNotEmpty:
		return NotEmpty
	case CodePermissionDenied:
		return PermissionDenied
	case CodeNotSupported:
		return NotSupported
	case CodeIOError:
		return IOError
	case CodeCommError:
		return CommError
	case CodeDecryptionError:
		return DecryptionError
	case CodeIncompatibleVersion:
		return IncompatibleVersion
	case CodeCacheNotInitialized:
		return CacheNotInitialized
	case CodeInvalidArgument:
		return InvalidArgument
	default:
		return IOError
	}
}
