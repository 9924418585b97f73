package logger

import (
	"log/slog"
)

// Standard field keys for structured logging. Use these keys consistently
// across log statements so aggregation and querying stay uniform.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Filesystem upcalls
	KeyOperation = "operation" // upcall name: open, read, write, release, ...
	KeyPath      = "path"
	KeySize      = "size"
	KeyMode      = "mode"
	KeyOffset    = "offset"
	KeyCount     = "count"
	KeyUID       = "uid"
	KeyGID       = "gid"

	// Tiering & dedup
	KeyTier        = "tier"        // local, cloud
	KeyHash        = "hash"        // segment content hash (hex)
	KeySegmentLen  = "segment_len" // segment length in bytes
	KeyRefcount    = "refcount"
	KeyOldTier     = "old_tier"
	KeyNewTier     = "new_tier"
	KeyNumSegments = "num_segments"

	// Cache layer
	KeyCacheHit      = "cache_hit"
	KeyCacheBytes    = "cache_bytes"
	KeyCacheCapacity = "cache_capacity"
	KeyEvicted       = "evicted"

	// Cloud object store
	KeyBucket = "bucket"
	KeyKey    = "object_key"
	KeyRegion = "region"
	KeyAttempt = "attempt"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// TraceID returns a slog.Attr for an OpenTelemetry trace ID.
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for an OpenTelemetry span ID.
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Operation returns a slog.Attr for the upcall or sub-operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Path returns a slog.Attr for a fuse-relative path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Size returns a slog.Attr for a byte size.
func Size(s uint64) slog.Attr {
	return slog.Uint64(KeySize, s)
}

// Mode returns a slog.Attr for file mode/permissions.
func Mode(m uint32) slog.Attr {
	return slog.Any(KeyMode, m)
}

// Offset returns a slog.Attr for an I/O offset.
func Offset(off uint64) slog.Attr {
	return slog.Uint64(KeyOffset, off)
}

// Count returns a slog.Attr for a byte count.
func Count(c int) slog.Attr {
	return slog.Int(KeyCount, c)
}

// UID returns a slog.Attr for a caller user ID.
func UID(uid uint32) slog.Attr {
	return slog.Any(KeyUID, uid)
}

// GID returns a slog.Attr for a caller group ID.
func GID(gid uint32) slog.Attr {
	return slog.Any(KeyGID, gid)
}

// Tier returns a slog.Attr for a file's storage tier.
func Tier(tier string) slog.Attr {
	return slog.String(KeyTier, tier)
}

// Hash returns a slog.Attr for a segment content hash, hex-encoded.
func Hash(h string) slog.Attr {
	return slog.String(KeyHash, h)
}

// SegmentLen returns a slog.Attr for a segment's length in bytes.
func SegmentLen(n int) slog.Attr {
	return slog.Int(KeySegmentLen, n)
}

// Refcount returns a slog.Attr for a segment's reference count.
func Refcount(n uint32) slog.Attr {
	return slog.Any(KeyRefcount, n)
}

// NumSegments returns a slog.Attr for a segment count.
func NumSegments(n int) slog.Attr {
	return slog.Int(KeyNumSegments, n)
}

// CacheHit returns a slog.Attr for a cache hit/miss indicator.
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

// CacheBytes returns a slog.Attr for current cache occupancy in bytes.
func CacheBytes(n uint64) slog.Attr {
	return slog.Uint64(KeyCacheBytes, n)
}

// CacheCapacity returns a slog.Attr for cache capacity in bytes.
func CacheCapacity(n uint64) slog.Attr {
	return slog.Uint64(KeyCacheCapacity, n)
}

// Evicted returns a slog.Attr for the number of entries evicted.
func Evicted(n int) slog.Attr {
	return slog.Int(KeyEvicted, n)
}

// Bucket returns a slog.Attr for a cloud bucket name.
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for an object key in cloud storage.
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// Region returns a slog.Attr for a cloud region.
func Region(r string) slog.Attr {
	return slog.String(KeyRegion, r)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
