// Package idgenerator hands out the integer identifiers used for peers and
// sessions. Identifiers are issued in call order and do not repeat until
// 2^32 of them have been issued, after which the counter wraps.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint32 IDs in a concurrency-safe
// manner. The first call to Id returns the configured first value.
type IdGenerator struct {
	next atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id() returns first.
//
// Parameters:
//   - first: The first ID to hand out (servers use 0)
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(first uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.next.Store(first)
	return gen
}

// Id returns the next ID. It is safe for concurrent use. After
// math.MaxUint32 the counter wraps to 0, so IDs are unique only within a
// window of 2^32 calls.
//
// Returns:
//   - The next uint32 ID
func (g *IdGenerator) Id() uint32 {
	return g.next.Add(1) - 1
}
