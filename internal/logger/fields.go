package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently so
// streams, cache activity and remote-store calls can be correlated in
// aggregated logs.
const (
	// Request handling
	KeyRequestID = "request_id" // HTTP request id (chi middleware)
	KeyClientIP  = "client_ip"  // client IP address
	KeyStatus    = "status"     // HTTP status code

	// Media addressing
	KeyContainer = "container" // remote container id
	KeyItem      = "item"      // item (message) id inside the container
	KeyCacheKey  = "cache_key" // container:item:content_id
	KeyFilename  = "filename"  // media file name

	// Streaming
	KeySession      = "session"       // remote session index
	KeyOffset       = "offset"        // aligned remote offset
	KeyFrom         = "from"          // requested range start
	KeyUntil        = "until"         // requested range end (inclusive)
	KeySize         = "size"          // file size in bytes
	KeyBytesWritten = "bytes_written" // bytes delivered to the client
	KeyAttempt      = "attempt"       // retry attempt number

	// Cache
	KeyCacheHit  = "cache_hit"  // whether the request hit the disk cache
	KeyCacheSize = "cache_size" // committed cache bytes
	KeyScore     = "score"      // eviction score
	KeyEvicted   = "evicted"    // number of evicted entries
	KeyTask      = "task"       // populator task id

	// Generic
	KeyError      = "error"
	KeyDurationMs = "duration_ms"
)

// Err returns a slog.Attr for an error; the zero Attr when err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Container returns a slog.Attr for a remote container id.
func Container(id string) slog.Attr {
	return slog.String(KeyContainer, id)
}

// Item returns a slog.Attr for an item id.
func Item(id int64) slog.Attr {
	return slog.Int64(KeyItem, id)
}

// CacheKey returns a slog.Attr for a cache key.
func CacheKey(key string) slog.Attr {
	return slog.String(KeyCacheKey, key)
}

// Session returns a slog.Attr for a remote session index.
func Session(i int) slog.Attr {
	return slog.Int(KeySession, i)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
