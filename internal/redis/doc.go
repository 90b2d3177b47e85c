// Package redis holds the Redis-backed adapters: the shared topic cache,
// the cross-process broadcast bus, and the per-principal quota counters.
package redis
