// Package domain holds the core types and ports of the skyfeed fan-out
// subsystem: topics, cache entries, broadcast messages, the wire protocol,
// and the interfaces the adapters implement.
package domain
