// Package transport provides the single duplex channel to the native BLE
// host process.
package transport

import "github.com/stevennyman/webbt/internal/protocol"

// Handler receives decoded inbound native messages. Handlers are invoked from
// the transport's read loop, one message at a time.
type Handler func(protocol.Envelope)

// Transport is an open channel to the native host.
type Transport interface {
	// Send encodes and writes one message. A failed send indicates the
	// channel is broken or the host process is gone.
	Send(msg any) error
	Close() error
}

// Factory opens a fresh channel, wiring inbound messages to onMessage and a
// single terminal onDisconnect notification once the channel dies.
type Factory func(onMessage Handler, onDisconnect func(error)) (Transport, error)
