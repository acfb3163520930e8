// Package cache provides the content-addressed, crash-safe store of
// synthesized audio. Every file system change to the cache is applied in
// the same transaction as the matching index update, so an index entry
// exists if and only if its backing file is fully written.
package cache
