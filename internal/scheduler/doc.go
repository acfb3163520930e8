// Package scheduler runs synthesis jobs under a resizable concurrency
// limit. Identical requests share one underlying synthesis, immediate work
// preempts prefetch work, and failures follow a bounded retry policy.
package scheduler
