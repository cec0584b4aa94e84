// Package vectorcore is an embeddable, in-process vector search and
// storage engine: per-collection HNSW indices, scalar/product/binary
// quantization, a typed payload index, a tiered text-normalization cache,
// a .vecdb archive storage format, and an LRU+TTL query cache, arbitrated
// by a process-wide Store.
package vectorcore
