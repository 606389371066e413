// Package conversation stores conversations and their messages in SQLite.
//
// StoreMessage notifies registered listeners after the row is committed.
// Listeners must not block; the semantic memory indexer uses one to queue
// embedding work, so a failed index never fails a store.
package conversation
