// Package cluster defines how protocol sessions talk to the other nodes of a
// key server cluster. Sessions hold a Cluster and never see the transport, so
// the libp2p network and the in-memory test double are interchangeable.
package cluster

// Cluster is the local node's handle on the rest of the cluster. One handle is
// shared by every session running on the node, so implementations must be
// safe for concurrent use.
//
// Broadcast and Send return once the message has been accepted for delivery;
// a nil error does not mean the peer received it. Messages from one handle to
// one peer are delivered in call order.
type Cluster interface {
	// Broadcast queues a copy of msg for every known peer except the local
	// node.
	Broadcast(msg Message) error
	// Send queues msg for exactly one peer. Sending to the local node is a
	// contract violation.
	Send(to NodeID, msg Message) error
	// Blacklist ejects node: its connection is closed, anything pending for it
	// is discarded and later sends to it fail. It does not wait for teardown.
	Blacklist(node NodeID)
}
