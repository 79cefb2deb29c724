package protocol

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownPacket is returned for ids with no registered variant.
var ErrUnknownPacket = errors.New("bad packet id")

// Constructor returns a new zero packet of one variant.
type Constructor func() Packet

type registration struct {
	name string
	ctor Constructor
}

// Registry maps wire ids to packet constructors.
type Registry struct {
	mu      sync.RWMutex
	entries [256]*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds id to a constructor. Rebinding an id is an error.
func (r *Registry) Register(id byte, name string, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("nil constructor for packet 0x%02X", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.entries[id]; existing != nil {
		return fmt.Errorf("packet id 0x%02X already registered as %s", id, existing.name)
	}
	r.entries[id] = &registration{name: name, ctor: ctor}
	return nil
}

// New constructs an empty packet for id.
func (r *Registry) New(id byte) (Packet, error) {
	r.mu.RLock()
	reg := r.entries[id]
	r.mu.RUnlock()

	if reg == nil {
		return nil, fmt.Errorf("%w %d", ErrUnknownPacket, id)
	}
	return reg.ctor(), nil
}

// Name returns the registered name for id, or a hex placeholder.
func (r *Registry) Name(id byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg := r.entries[id]; reg != nil {
		return reg.name
	}
	return fmt.Sprintf("unknown(0x%02X)", id)
}

// Count returns the number of registered variants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, reg := range r.entries {
		if reg != nil {
			n++
		}
	}
	return n
}

// DefaultRegistry holds every built-in packet variant.
var DefaultRegistry = NewDefaultRegistry()

// NewDefaultRegistry returns a registry populated with the built-in variants.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	builtin := []struct {
		id   byte
		name string
		ctor Constructor
	}{
		{IDKeepAlive, "KeepAlive", func() Packet { return &KeepAlive{} }},
		{IDLogin, "Login", func() Packet { return &Login{} }},
		{IDHandshake, "Handshake", func() Packet { return &Handshake{} }},
		{IDChat, "Chat", func() Packet { return &Chat{} }},
		{IDFlying, "Flying", func() Packet { return &Flying{} }},
		{IDClientCommand, "ClientCommand", func() Packet { return &ClientCommand{} }},
		{IDCustomPayload, "CustomPayload", func() Packet { return &CustomPayload{} }},
		{IDKeyResponse, "KeyResponse", func() Packet { return &KeyResponse{} }},
		{IDKeyRequest, "KeyRequest", func() Packet { return &KeyRequest{} }},
		{IDServerListPing, "ServerListPing", func() Packet { return &ServerListPing{} }},
		{IDKickDisconnect, "KickDisconnect", func() Packet { return &KickDisconnect{} }},
	}
	for _, b := range builtin {
		if err := r.Register(b.id, b.name, b.ctor); err != nil {
			panic(err)
		}
	}
	return r
}
