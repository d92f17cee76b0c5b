package p2p

import (
	"context"

	"github.com/torusresearch/torus-cluster/cluster"
	"github.com/torusresearch/torus-cluster/msgqueue"
)

// Handler receives inbound messages. from has been authenticated by the
// connector.
type Handler func(from cluster.NodeID, msg cluster.Message)

// Connector moves bytes between nodes. It owns dialing, framing and channel
// security, none of which the Network looks into.
type Connector interface {
	// Dial returns a connection to node. The Network dials lazily and again
	// after a failed send.
	Dial(ctx context.Context, node cluster.NodeID) (Conn, error)
	// Disconnect tears down any live connection to node, in either direction.
	Disconnect(node cluster.NodeID) error
	// SetInboundHandler installs the function inbound messages are passed to.
	SetInboundHandler(h Handler)
}

// Conn is an outbound connection to one node.
type Conn interface {
	Send(ctx context.Context, item msgqueue.Item) error
	Close() error
}
