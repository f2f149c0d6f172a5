package core

import "github.com/keast/huddle/internal/domain"

// Endpoint is any participant registered on the message bus: transport
// adapters, call engines, feature modules. The bus holds name-keyed
// references only and never owns endpoint lifecycle.
type Endpoint interface {
	Identity() string
	Deliver(domain.Message) error
}

// Conn is one logical bidirectional connection supplied by the network
// transport. ID is the remote endpoint identity and is stable for the
// connection lifetime.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close()
}
