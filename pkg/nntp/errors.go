// Package nntp provides the article-server client: authenticated
// connections, a bounded pool with per-connection rotation caps, server
// health tracking, rotation strategies, bandwidth shaping, and the retry
// policy shared by posting and fetching.
package nntp

import (
	"errors"
	"fmt"
	"net/textproto"
)

var (
	// ErrAcquireTimeout is returned when no connection becomes available
	// within the configured wait.
	ErrAcquireTimeout = errors.New("timed out waiting for a connection")

	// ErrNoServers is returned when every configured server is unhealthy or
	// the pool has no servers at all.
	ErrNoServers = errors.New("no usable servers")

	// ErrAuthRejected indicates the server refused the configured
	// credentials. Never retried.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrNoSuchArticle indicates the requested message id is unknown to the
	// server. Never retried on the same server.
	ErrNoSuchArticle = errors.New("no such article")

	// ErrPostingNotAllowed indicates the server forbids posting on this
	// connection. Never retried.
	ErrPostingNotAllowed = errors.New("posting not allowed")

	// ErrMalformedArticle indicates the server rejected the article as
	// malformed. Never retried.
	ErrMalformedArticle = errors.New("article rejected as malformed")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("connection pool is closed")
)

// StatusError carries the protocol status line of a refused command.
type StatusError struct {
	Code int
	Line string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server refused command: %d %s", e.Code, e.Line)
}

// IsRetryable reports whether an error is worth retrying at a higher layer.
// The uploader routes failed queue items with it.
func IsRetryable(err error) bool {
	return retryable(err)
}

// retryable classifies an operation error. Transient read/write failures,
// temporary-unavailable statuses, and rate-limit signals retry; auth
// rejections, unknown articles, and malformed-article rejections do not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRejected) ||
		errors.Is(err, ErrNoSuchArticle) ||
		errors.Is(err, ErrPostingNotAllowed) ||
		errors.Is(err, ErrMalformedArticle) {
		return false
	}

	var proto *textproto.Error
	if errors.As(err, &proto) {
		return transientStatus(proto.Code)
	}
	var status *StatusError
	if errors.As(err, &status) {
		return transientStatus(status.Code)
	}

	// Anything else at this layer is a network-level failure: timeouts,
	// resets, closed connections.
	return true
}

// transientStatus reports whether a protocol status code signals a condition
// worth retrying: service pausing, internal faults, and try-again responses.
func transientStatus(code int) bool {
	switch code {
	case 400, 403, 441:
		return true
	}
	return false
}

// classifyStatus maps terminal protocol codes to their sentinel errors, so
// callers can branch with errors.Is. Codes without a sentinel pass through as
// a StatusError.
func classifyStatus(code int, line string) error {
	switch code {
	case 430:
		return ErrNoSuchArticle
	case 440:
		return ErrPostingNotAllowed
	case 441:
		// Posting failed: transient on most servers (throttling, spool
		// pressure). Kept as a plain status so the retry layer sees it.
		return &StatusError{Code: code, Line: line}
	case 480, 481, 482, 502:
		return ErrAuthRejected
	case 437, 439:
		return ErrMalformedArticle
	}
	return &StatusError{Code: code, Line: line}
}
