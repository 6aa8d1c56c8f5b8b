// Package memory holds in-process repositories used by the "memory" storage
// driver and by tests. Every repository copies values in and out, so callers
// never share state with the store.
package memory
