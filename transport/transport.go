// Package transport moves raw Ethernet frames between the engine and the
// network. A session opens one Handle and shares it between its sender and
// its receive loop.
package transport

import "errors"

var (
	// ErrTimeout is returned by ReadPacketData when no frame arrived within
	// the handle's poll interval. Callers loop on it.
	ErrTimeout = errors.New("transport: read timeout")
	// ErrClosed is returned by any operation on a closed handle.
	ErrClosed = errors.New("transport: handle closed")
)

// Handle is a raw frame socket. WritePacketData may be called from one
// goroutine while another blocks in ReadPacketData.
type Handle interface {
	// WritePacketData injects one complete Ethernet frame.
	WritePacketData(frame []byte) error
	// ReadPacketData returns the next captured frame. The returned slice is
	// owned by the caller.
	ReadPacketData() ([]byte, error)
	Close() error
}

// Opener opens a handle on an interface with a BPF filter expression.
type Opener func(iface, filter string) (Handle, error)

func copyFrame(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
