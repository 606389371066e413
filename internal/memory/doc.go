// Package memory answers "which stored messages are relevant to this
// query" over the vector index, and keeps the index in step with the
// conversation store.
//
// Searcher resolves vector hits back to authoritative messages and caches
// a minimal projection of the result. Indexer consumes stored messages
// asynchronously and embeds them. RetentionSweeper deletes messages past
// the retention window and purges their vectors.
package memory
