package transport

import (
	"fmt"
	"net/netip"
)

// DefaultMaxPacketSize is the datagram payload limit used when a component is
// configured with zero.
const DefaultMaxPacketSize = 1024

// CheckPayload rejects datagram payloads larger than maxPacketSize.
//
// Returns:
//   - nil if the payload fits
//   - An error wrapping ErrOversizePayload otherwise
func CheckPayload(data []byte, maxPacketSize int) error {
	if len(data) > maxPacketSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrOversizePayload, len(data), maxPacketSize)
	}

	return nil
}

// NormalizeAddrPort unmaps IPv4-mapped IPv6 addresses so the same sender is
// keyed identically whichever socket family received it.
func NormalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// SessionKey returns the "address:port" key for a datagram peer. Text that
// does not parse as an address and port is returned unchanged.
func SessionKey(address string) string {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return address
	}

	return NormalizeAddrPort(ap).String()
}
