// Package embeddings turns text into fixed-width, L2-normalized vectors.
//
// The Hashing embedder is a feature-hashing bag of words: text is
// lowercased, split on runs of characters outside [a-z0-9], and each token
// increments the bucket chosen by SHA-1(token) mod dim. It needs no model
// weights and is deterministic across runs and platforms. It trades
// semantic recall for that independence; swapping in a learned model means
// implementing Embedder with the same dimension contract.
package embeddings
