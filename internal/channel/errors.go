// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the semantic class of a channel error. Kinds are the only
// thing user-facing layers key on; messages are descriptive only.
type Kind string

const (
	// Channel lifecycle.
	KindChannelNotFound       Kind = "channel_not_found"
	KindDuplicateNumber       Kind = "duplicate_channel_number"
	KindInvalidNumber         Kind = "invalid_channel_number"
	KindContentSourceRequired Kind = "content_source_required"
	KindMaxChannelsReached    Kind = "max_channels_reached"
	KindInvalidImportData     Kind = "invalid_import_data"

	// Content.
	KindContentUnavailable Kind = "content_unavailable"
	KindEmptyChannel       Kind = "scheduler_empty_channel"
	KindInvalidTime        Kind = "scheduler_invalid_time"

	// Network / upstream.
	KindTimeout      Kind = "timeout"
	KindOffline      Kind = "offline"
	KindUnreachable  Kind = "unreachable"
	KindUnavailable  Kind = "unavailable"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindParseError   Kind = "parse_error"
	KindServerError  Kind = "server_error"
	KindRateLimited  Kind = "rate_limited"

	// Storage.
	KindQuotaExceeded Kind = "quota_exceeded"
	KindCorrupted     Kind = "corrupted"

	// System.
	KindOutOfMemory          Kind = "out_of_memory"
	KindInitializationFailed Kind = "initialization_failed"
	KindUnrecoverable        Kind = "unrecoverable"
)

// Error carries a Kind through wrapping layers.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError returns an Error with the given kind and message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// IsNetworkClass reports whether err is a transient upstream failure
// that the content cache may paper over.
func IsNetworkClass(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindOffline, KindUnreachable, KindUnavailable,
		KindServerError, KindRateLimited:
		return true
	}
	// A deadline hit on the request context counts as a timeout even
	// without a tagged kind.
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancellation reports whether err stems from an aborted context.
// Cancellations are never user-visible errors.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
