// Package vectorstore implements an exact inner-product similarity index
// over embedded text with durable metadata.
//
// Every entry has a vector ID assigned from a monotonically increasing
// counter. IDs are never reused, including after Delete. The index keeps
// two files in its directory:
//
//	vectors.zst  zstd-compressed binary vectors
//	meta.json    JSON metadata keyed by vector ID
//
// Both carry the same generation stamp. Commits write both files to
// temporary names and then rename them into place. A load that finds the
// stamps disagreeing, or a vector without metadata, fails with
// ErrCorruptIndex instead of serving a partial index.
//
// Add and Delete take the write lock for the whole commit. Search takes
// the read lock, so it never observes vectors without their metadata.
package vectorstore
