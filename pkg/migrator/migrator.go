// Package migrator splits a file into content-defined segments,
// deduplicates them against the segment store, optionally compresses them,
// uploads new segments, and writes the segment-hash list into metadata
// (§4.7).
package migrator

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/cloudfs/cloudfs/internal/cerrors"
	"github.com/cloudfs/cloudfs/internal/logger"
	"github.com/cloudfs/cloudfs/pkg/chunker"
	"github.com/cloudfs/cloudfs/pkg/cloudgateway"
	"github.com/cloudfs/cloudfs/pkg/codec"
	"github.com/cloudfs/cloudfs/pkg/metaio"
	"github.com/cloudfs/cloudfs/pkg/metrics"
	"github.com/cloudfs/cloudfs/pkg/pathmap"
	"github.com/cloudfs/cloudfs/pkg/segmentstore"
)

const bufSize = 64 * 1024

// Migrator implements the migrate() algorithm of §4.7.
type Migrator struct {
	fs         afero.Fs
	pm         *pathmap.PathMap
	store      *segmentstore.Store
	gateway    cloudgateway.Gateway
	chunker    *chunker.Chunker
	noCompress bool
	noDedup    bool
	metrics    metrics.MigratorMetrics
}

// New builds a Migrator. When noDedup is set, Migrate bypasses the Chunker
// entirely: the whole file becomes a single "segment" keyed by a weak
// per-path hash rather than content MD5 (§6.6), so cross-file dedup never
// happens in this mode.
func New(fs afero.Fs, pm *pathmap.PathMap, store *segmentstore.Store, gateway cloudgateway.Gateway, ch *chunker.Chunker, noCompress, noDedup bool) *Migrator {
	return &Migrator{
		fs:         fs,
		pm:         pm,
		store:      store,
		gateway:    gateway,
		chunker:    ch,
		noCompress: noCompress,
		noDedup:    noDedup,
		metrics:    metrics.NewMigratorMetrics(),
	}
}

// NoDedup reports whether this Migrator runs in whole-file mode.
// TierController consults it to skip mid-stream spill promotion, which
// only makes sense for chunked migration.
func (m *Migrator) NoDedup() bool {
	return m.noDedup
}

// weakPathHash derives §6.6's "weak per-path hash" used to key the single
// whole-file segment in no_dedup mode. Unlike the content MD5 used
// otherwise, it depends only on path, not bytes: two different files at the
// same path collide, and the spec calls this out as unsafe for adversarial
// paths — it is a debugging/benchmarking knob, not a dedup algorithm.
func weakPathHash(path string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	sum := h.Sum64()
	return fmt.Sprintf("%016x%016x", sum, sum)
}

// Migrate runs the full algorithm against path's metadata file, reading
// sourceSize bytes from source (the whole proxy file, or the data-spill
// tail — TierController decides which and owns truncating the proxy or
// removing the spill afterward; Migrator only ever consumes bytes and the
// segment store). On success the metadata file contains the correct size,
// timestamps and segment list, and every emitted segment is present in
// the object store and the segment table. moveTail selects step 8's
// behaviour: true treats the trailing bytes as a final segment (called
// from release), false spills them to a fresh data-spill file (called
// from write when a spill crosses the max segment size).
func (m *Migrator) Migrate(ctx context.Context, path string, proxyInode uint64, source io.ReadSeeker, sourceSize int64, sourceModTime time.Time, moveTail bool) (err error) {
	var numSegments int
	var totalBytes int64
	defer func() { m.metrics.ObserveMigration(numSegments, totalBytes, err) }()

	if _, err := source.Seek(0, io.SeekStart); err != nil {
		return cerrors.NewLocalIOError("migrate", path, err)
	}

	metaPath := m.pm.Meta(proxyInode)
	metaExisted := metaio.Exists(m.fs, metaPath)
	var meta afero.File
	if metaExisted {
		meta, err = m.fs.OpenFile(metaPath, os.O_RDWR, 0o600)
	} else {
		if err := metaio.Create(m.fs, metaPath, metaio.NowHeader(sourceSize)); err != nil {
			return err
		}
		meta, err = m.fs.OpenFile(metaPath, os.O_RDWR, 0o600)
	}
	if err != nil {
		return cerrors.NewLocalIOError("migrate", metaPath, err)
	}
	defer meta.Close()

	commitHash := func(hash string, data []byte) error {
		length := int32(len(data))
		numSegments++
		totalBytes += int64(length)

		if _, ok := m.store.Get(hash); ok {
			if err := m.store.Incref(hash); err != nil {
				return err
			}
		} else {
			bucket, key := bucketKey(hash)
			if err := cloudgateway.EnsureBucket(ctx, m.gateway, bucket); err != nil {
				return cerrors.NewCloudError("migrate", path, err)
			}
			if err := m.upload(ctx, bucket, key, data); err != nil {
				return err
			}
			if err := m.store.AddNew(hash, length); err != nil {
				// Compensate: the object is up but untracked. Delete it
				// so refcount and object-store state stay consistent.
				_ = m.gateway.Delete(ctx, bucket, key)
				return err
			}
		}

		if err := metaio.AppendSegment(meta, hash); err != nil {
			nowZero, decErr := m.store.Decref(hash)
			if decErr == nil && nowZero {
				bucket, key := bucketKey(hash)
				_ = m.gateway.Delete(ctx, bucket, key)
			}
			return err
		}
		return m.store.Persist()
	}

	commit := func(data []byte) error {
		sum := md5.Sum(data)
		return commitHash(hex.EncodeToString(sum[:]), data)
	}

	if m.noDedup {
		// Whole-file path (§6.6): no chunking, one "segment" per file keyed
		// by a weak, content-blind hash. Cross-file dedup never applies.
		whole, err := io.ReadAll(io.LimitReader(source, sourceSize))
		if err != nil {
			return cerrors.NewLocalIOError("migrate", path, err)
		}
		switch {
		case len(whole) == 0:
		case !moveTail:
			// Whole-file mode never splits mid-stream (TierController
			// skips spill promotion entirely); the bytes stay in the
			// spill until release commits them in one piece.
		default:
			hash := weakPathHash(path)
			if entry, ok := m.store.Get(hash); ok && entry.Refcount == 1 {
				// A sole claim under this path's weak key is a stale
				// leftover (e.g. a crash between metadata truncation and
				// decref): the hash is content-blind, so drop it and
				// re-upload rather than dedup against unknown bytes.
				// Shared entries keep the incref path below; decref'ing a
				// hash other live metadata lists would dangle it.
				nowZero, err := m.store.Decref(hash)
				if err != nil {
					return err
				}
				if nowZero {
					bucket, key := bucketKey(hash)
					_ = m.gateway.Delete(ctx, bucket, key)
				}
			}
			if err := commitHash(hash, whole); err != nil {
				return err
			}
		}
	} else {
		stream := m.chunker.Open(source)
		buf := make([]byte, bufSize)

		var pending []byte
		haveSegment := false

		for {
			data, nerr := stream.Next(buf)
			if nerr == io.EOF {
				break
			}
			if nerr != nil {
				return cerrors.NewLocalIOError("migrate", path, nerr)
			}
			if haveSegment {
				if err := commit(pending); err != nil {
					return err
				}
			}
			pending = append([]byte(nil), data...)
			haveSegment = true
		}

		if haveSegment {
			if moveTail {
				if err := commit(pending); err != nil {
					return err
				}
			} else {
				if err := m.spillTail(proxyInode, pending); err != nil {
					return err
				}
			}
		}
	}

	h, err := metaio.ReadHeader(meta)
	if err != nil {
		return err
	}
	// sourceSize is the byte count of source (the whole proxy file on first
	// promotion, or just the data-spill tail on a later re-migration). Only
	// the first case makes it the file's total logical size: once metadata
	// already existed, TierController's Write has been bumping hdr.Size by
	// each append as it landed in the spill, so the header already carries
	// the correct cumulative total and must not be clobbered here.
	if !metaExisted {
		h.Size = sourceSize
	}
	h.Mtime = sourceModTime.Unix()
	h.Ctime = h.Mtime
	if err := metaio.WriteHeader(meta, h); err != nil {
		return err
	}

	logger.Debug("migrate: completed", "path", path, "segments", numSegments, "bytes", totalBytes, "move_tail", moveTail)
	return nil
}

// upload compresses data (unless noCompress) through a scratch file rather
// than an in-memory buffer, so a large segment's compressed copy doesn't
// double residency in the process heap. The scratch file is named from a
// fresh UUID so concurrent uploads of different segments never collide.
func (m *Migrator) upload(ctx context.Context, bucket, key string, data []byte) error {
	if m.noCompress {
		return m.gateway.Put(ctx, bucket, key, int64(len(data)), bytes.NewReader(data))
	}

	scratchPath := m.pm.Scratch(uuid.NewString())
	scratch, err := m.fs.OpenFile(scratchPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return cerrors.NewLocalIOError("deflate", key, err)
	}
	defer func() {
		_ = scratch.Close()
		_ = m.fs.Remove(scratchPath)
	}()

	if _, err := codec.Deflate(scratch, bytes.NewReader(data), int64(len(data))); err != nil {
		return cerrors.NewLocalIOError("deflate", key, err)
	}

	info, err := scratch.Stat()
	if err != nil {
		return cerrors.NewLocalIOError("deflate", key, err)
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return cerrors.NewLocalIOError("deflate", key, err)
	}

	return m.gateway.Put(ctx, bucket, key, info.Size(), scratch)
}

func (m *Migrator) spillTail(proxyInode uint64, tail []byte) error {
	path := m.pm.Spill(proxyInode)
	f, err := m.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return cerrors.NewLocalIOError("spill_tail", path, err)
	}
	defer f.Close()
	if _, err := f.Write(tail); err != nil {
		return cerrors.NewLocalIOError("spill_tail", path, err)
	}
	return nil
}

// bucketKey derives the object-store location from a segment hash per
// §6.5: bucket = first 3 hex chars, key = remaining 29.
func bucketKey(hash string) (bucket, key string) {
	if len(hash) < 32 {
		return hash, ""
	}
	return hash[:3], hash[3:]
}
