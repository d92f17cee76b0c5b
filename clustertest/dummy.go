// Package clustertest provides in-memory cluster handles for testing session
// logic without a network.
package clustertest

import (
	"fmt"

	"github.com/torusresearch/torus-cluster/cluster"
	"github.com/torusresearch/torus-cluster/idmutex"
)

// DummyCluster records outgoing messages in a FIFO queue instead of sending
// them. It never fails, and Blacklist leaves the queue and peer set alone, so
// tests of ejection logic should assert on what the session does next (or
// use StrictCluster).
type DummyCluster struct {
	id cluster.NodeID

	mu          idmutex.Mutex
	nodes       []cluster.NodeID
	messages    []cluster.Envelope
	blacklisted []cluster.NodeID
}

var _ cluster.Cluster = (*DummyCluster)(nil)

func New(id cluster.NodeID) *DummyCluster {
	return &DummyCluster{id: id}
}

func (c *DummyCluster) ID() cluster.NodeID {
	return c.id
}

// AddNode registers a peer. Duplicates are not filtered.
func (c *DummyCluster) AddNode(node cluster.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = append(c.nodes, node)
}

// Nodes returns the registered peers in registration order.
func (c *DummyCluster) Nodes() []cluster.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cluster.NodeID(nil), c.nodes...)
}

// TakeMessage pops the oldest queued message. ok is false once the queue is
// empty.
func (c *DummyCluster) TakeMessage() (env cluster.Envelope, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return cluster.Envelope{}, false
	}
	env = c.messages[0]
	c.messages[0] = cluster.Envelope{}
	c.messages = c.messages[1:]
	return env, true
}

// Len is the number of queued messages.
func (c *DummyCluster) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Discard removes every queued message addressed to node and returns how many
// were removed. The others keep their order.
func (c *DummyCluster) Discard(node cluster.NodeID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.messages[:0]
	for _, env := range c.messages {
		if env.To != node {
			kept = append(kept, env)
		}
	}
	n := len(c.messages) - len(kept)
	for i := len(kept); i < len(c.messages); i++ {
		c.messages[i] = cluster.Envelope{}
	}
	c.messages = kept
	return n
}

// Blacklisted returns the nodes Blacklist was called with, in call order.
func (c *DummyCluster) Blacklisted() []cluster.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cluster.NodeID(nil), c.blacklisted...)
}

func (c *DummyCluster) Broadcast(msg cluster.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, node := range c.nodes {
		if node == c.id {
			continue
		}
		c.messages = append(c.messages, cluster.Envelope{To: node, Message: msg.Clone()})
	}
	return nil
}

// Send panics when to is the local node.
func (c *DummyCluster) Send(to cluster.NodeID, msg cluster.Message) error {
	if to == c.id {
		panic(fmt.Sprintf("clustertest: node %s sent a message to itself", c.id))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, cluster.Envelope{To: to, Message: msg})
	return nil
}

// Blacklist only records the call.
func (c *DummyCluster) Blacklist(node cluster.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blacklisted = append(c.blacklisted, node)
}
