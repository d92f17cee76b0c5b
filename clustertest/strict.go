package clustertest

import (
	"github.com/pkg/errors"

	"github.com/torusresearch/torus-cluster/cluster"
	"github.com/torusresearch/torus-cluster/idmutex"
)

// StrictCluster wraps a DummyCluster with the blacklist behavior of the real
// transport: pending messages for a blacklisted node are discarded, sends to
// it fail with cluster.ErrBlacklisted and broadcasts skip it. Sending to self
// returns cluster.ErrSendToSelf instead of panicking.
type StrictCluster struct {
	*DummyCluster

	mu          idmutex.Mutex
	blacklisted map[cluster.NodeID]bool
}

var _ cluster.Cluster = (*StrictCluster)(nil)

func NewStrict(id cluster.NodeID) *StrictCluster {
	return &StrictCluster{
		DummyCluster: New(id),
		blacklisted:  make(map[cluster.NodeID]bool),
	}
}

func (c *StrictCluster) IsBlacklisted(node cluster.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blacklisted[node]
}

func (c *StrictCluster) Broadcast(msg cluster.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.DummyCluster
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, node := range d.nodes {
		if node == d.id || c.blacklisted[node] {
			continue
		}
		d.messages = append(d.messages, cluster.Envelope{To: node, Message: msg.Clone()})
	}
	return nil
}

func (c *StrictCluster) Send(to cluster.NodeID, msg cluster.Message) error {
	if to == c.id {
		return errors.Wrapf(cluster.ErrSendToSelf, "node %s", to)
	}
	// held across the append so a concurrent Blacklist cannot slip in between
	// the check and the enqueue
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blacklisted[to] {
		return errors.Wrapf(cluster.ErrBlacklisted, "send to %s", to)
	}
	return c.DummyCluster.Send(to, msg)
}

func (c *StrictCluster) Blacklist(node cluster.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blacklisted[node] = true
	c.DummyCluster.Discard(node)
	c.DummyCluster.Blacklist(node)
}
