package logger

import "log/slog"

// Standard field keys for structured logging. Use these keys consistently
// across all log statements so logs can be aggregated and queried by folder,
// share, server, or upload session.
const (
	// Entities
	KeyFolder    = "folder"     // folder identifier
	KeyFile      = "file"       // file identifier
	KeyPath      = "path"       // relative or absolute path
	KeyShare     = "share"      // share identifier (token core)
	KeySegment   = "segment"    // segment identifier
	KeyVersion   = "version"    // folder or file version
	KeyTier      = "tier"       // access tier: open, member, passphrase
	KeyUser      = "user"       // member user identifier
	KeyMessageID = "message_id" // article message identifier
	KeyGroup     = "group"      // target newsgroup

	// Network
	KeyServer     = "server"  // NNTP server host:port
	KeyConnection = "conn"    // connection identifier within the pool
	KeyAttempt    = "attempt" // retry attempt number
	KeyStatus     = "status"  // NNTP status code

	// Work units
	KeySession  = "session"  // upload/download session identifier
	KeyJob      = "job"      // queue job identifier
	KeyPriority = "priority" // queue priority
	KeyState    = "state"    // job or segment state
	KeyWorker   = "worker"   // worker identifier

	// Sizes and progress
	KeySize       = "size"        // byte count
	KeyCount      = "count"       // generic count
	KeyCurrent    = "current"     // progress numerator
	KeyTotal      = "total"       // progress denominator
	KeyDurationMs = "duration_ms" // operation duration in milliseconds

	// Errors
	KeyError     = "error"      // error message
	KeyErrorKind = "error_kind" // classified error kind
)

// Folder returns a slog.Attr for a folder identifier
func Folder(id string) slog.Attr {
	return slog.String(KeyFolder, id)
}

// File returns a slog.Attr for a file identifier
func File(id string) slog.Attr {
	return slog.String(KeyFile, id)
}

// Path returns a slog.Attr for a file path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Share returns a slog.Attr for a share identifier
func Share(id string) slog.Attr {
	return slog.String(KeyShare, id)
}

// Segment returns a slog.Attr for a segment identifier
func Segment(id string) slog.Attr {
	return slog.String(KeySegment, id)
}

// MessageID returns a slog.Attr for an article message identifier
func MessageID(id string) slog.Attr {
	return slog.String(KeyMessageID, id)
}

// Group returns a slog.Attr for a newsgroup name
func Group(name string) slog.Attr {
	return slog.String(KeyGroup, name)
}

// Server returns a slog.Attr for an NNTP server address
func Server(addr string) slog.Attr {
	return slog.String(KeyServer, addr)
}

// Session returns a slog.Attr for a session identifier
func Session(id string) slog.Attr {
	return slog.String(KeySession, id)
}

// Job returns a slog.Attr for a queue job identifier
func Job(id string) slog.Attr {
	return slog.String(KeyJob, id)
}

// Size returns a slog.Attr for a byte count
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
