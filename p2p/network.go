// Package p2p is the production implementation of cluster.Cluster. Every peer
// gets its own outbound queue drained by one worker, so messages to a peer
// leave in call order while slow peers do not hold up the others.
package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/torus-cluster/cluster"
	"github.com/torusresearch/torus-cluster/idmutex"
	"github.com/torusresearch/torus-cluster/msgqueue"
	"github.com/torusresearch/torus-cluster/telemetry"
)

type peer struct {
	id     cluster.NodeID
	queue  *msgqueue.Queue
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Network.mu
	unreachable error

	connMu sync.Mutex
	conn   Conn
}

func (p *peer) connect(connector Connector) (Conn, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := connector.Dial(p.ctx, p.id)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *peer) dropConn() error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// Network is the local node's handle on the cluster.
//
// An empty broadcast fails with cluster.ErrNoPeers unless WithEmptyBroadcast
// is set. A peer whose last message could not be delivered after every
// attempt is unreachable: sends to it fail with cluster.ErrUnreachable until
// it is registered again with AddNode.
type Network struct {
	self      cluster.NodeID
	connector Connector
	opts      options
	log       *logging.Entry

	mu          idmutex.Mutex
	order       []cluster.NodeID
	peers       map[cluster.NodeID]*peer
	blacklisted map[cluster.NodeID]bool
	closed      bool
}

var _ cluster.Cluster = (*Network)(nil)

func NewNetwork(self cluster.NodeID, connector Connector, opts ...Option) *Network {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	n := &Network{
		self:        self,
		connector:   connector,
		opts:        o,
		log:         o.log.WithField("node", self),
		peers:       make(map[cluster.NodeID]*peer),
		blacklisted: make(map[cluster.NodeID]bool),
	}
	connector.SetInboundHandler(n.Receive)
	return n
}

func (n *Network) ID() cluster.NodeID {
	return n.self
}

// AddNode registers node as a peer. Registering the local node does nothing;
// registering a known peer clears its unreachable mark.
func (n *Network) AddNode(node cluster.NodeID) error {
	if node == n.self {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.Wrapf(cluster.ErrShutdown, "add node %s", node)
	}
	if n.blacklisted[node] {
		return errors.Wrapf(cluster.ErrBlacklisted, "add node %s", node)
	}
	if p, ok := n.peers[node]; ok {
		p.unreachable = nil
		return nil
	}
	p := &peer{id: node}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.queue = msgqueue.New(n.deliverer(p),
		msgqueue.WithCapacity(n.opts.queueSize),
		msgqueue.WithRetry(n.opts.attempts, n.opts.delay),
		msgqueue.WithOnSuccess(func(msgqueue.Item) { n.delivered(p, nil) }),
		msgqueue.WithOnFailure(func(item msgqueue.Item, err error) {
			n.delivered(p, err)
			n.deliveryFailed(p.id, item, err)
		}),
		msgqueue.WithLogger(n.log.WithField("peer", node)),
	)
	p.queue.Start()
	n.peers[node] = p
	n.order = append(n.order, node)
	n.log.WithField("peer", node).Debug("registered peer")
	return nil
}

// Readmit lifts a blacklist. The node has to be added again before it can be
// addressed.
func (n *Network) Readmit(node cluster.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blacklisted, node)
}

// Peers returns the addressable peers in registration order.
func (n *Network) Peers() []cluster.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]cluster.NodeID(nil), n.order...)
}

func (n *Network) IsBlacklisted(node cluster.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blacklisted[node]
}

// Pending is the number of messages queued for node and not yet taken by its
// worker.
func (n *Network) Pending(node cluster.NodeID) int {
	n.mu.Lock()
	p, ok := n.peers[node]
	n.mu.Unlock()
	if !ok {
		return 0
	}
	return p.queue.Len()
}

func (n *Network) Broadcast(msg cluster.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.opts.metrics.SendFailed(reason(cluster.ErrShutdown))
		return errors.Wrap(cluster.ErrShutdown, "broadcast")
	}
	if len(n.order) == 0 {
		if n.opts.emptyBroadcast {
			return nil
		}
		n.opts.metrics.SendFailed(reason(cluster.ErrNoPeers))
		return errors.Wrap(cluster.ErrNoPeers, "broadcast")
	}
	failed := make(map[cluster.NodeID]error)
	for _, id := range n.order {
		if err := n.enqueueLocked(id, msg.Clone()); err != nil {
			n.opts.metrics.SendFailed(reason(err))
			failed[id] = err
		}
	}
	if len(failed) < len(n.order) {
		n.opts.metrics.MessageSent(telemetry.KindBroadcast)
	}
	if len(failed) > 0 {
		return &cluster.BroadcastError{Failed: failed}
	}
	return nil
}

// Send returns cluster.ErrSendToSelf, without touching any state, when to is
// the local node.
func (n *Network) Send(to cluster.NodeID, msg cluster.Message) error {
	if to == n.self {
		n.opts.metrics.SendFailed(reason(cluster.ErrSendToSelf))
		n.log.Error("session tried to send a message to its own node")
		return errors.Wrapf(cluster.ErrSendToSelf, "node %s", to)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enqueueLocked(to, msg); err != nil {
		n.opts.metrics.SendFailed(reason(err))
		return err
	}
	n.opts.metrics.MessageSent(telemetry.KindUnicast)
	return nil
}

func (n *Network) enqueueLocked(to cluster.NodeID, msg cluster.Message) error {
	if n.closed {
		return errors.Wrapf(cluster.ErrShutdown, "send to %s", to)
	}
	if n.blacklisted[to] {
		return errors.Wrapf(cluster.ErrBlacklisted, "send to %s", to)
	}
	p, ok := n.peers[to]
	if !ok {
		return errors.Wrapf(cluster.ErrUnknownPeer, "send to %s", to)
	}
	if p.unreachable != nil {
		return errors.Wrapf(cluster.ErrUnreachable, "send to %s: %v", to, p.unreachable)
	}
	switch err := p.queue.Push(msg); err {
	case nil:
		n.opts.metrics.PendingChanged(1)
		return nil
	case msgqueue.ErrQueueFull:
		return errors.Wrapf(cluster.ErrQueueFull, "send to %s", to)
	default:
		return errors.Wrapf(cluster.ErrShutdown, "send to %s", to)
	}
}

// Blacklist ejects node. Pending messages are discarded before it returns;
// the connection is torn down in the background.
func (n *Network) Blacklist(node cluster.NodeID) {
	if node == n.self {
		n.log.Warn("refusing to blacklist own node")
		return
	}
	n.mu.Lock()
	if n.blacklisted[node] {
		n.mu.Unlock()
		return
	}
	n.blacklisted[node] = true
	p := n.removeLocked(node)
	var dropped int
	if p != nil {
		dropped = p.queue.Close()
		p.cancel()
	}
	n.mu.Unlock()

	n.opts.metrics.Blacklisted()
	n.opts.metrics.Purged(dropped)
	n.opts.metrics.PendingChanged(-dropped)
	n.log.WithFields(logging.Fields{
		"peer":    node,
		"dropped": dropped,
	}).Info("blacklisted peer")
	go n.teardown(node, p)
}

func (n *Network) removeLocked(node cluster.NodeID) *peer {
	p, ok := n.peers[node]
	if !ok {
		return nil
	}
	delete(n.peers, node)
	for i, id := range n.order {
		if id == node {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return p
}

func (n *Network) teardown(node cluster.NodeID, p *peer) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if p != nil {
			<-p.queue.Done()
			if err := p.dropConn(); err != nil {
				n.log.WithError(err).WithField("peer", node).Debug("error closing connection")
			}
		}
		if err := n.connector.Disconnect(node); err != nil {
			n.log.WithError(err).WithField("peer", node).Warn("could not disconnect peer")
		}
	}()
	select {
	case <-done:
	case <-time.After(n.opts.teardownTimeout):
		n.log.WithField("peer", node).Warn("connection teardown did not finish in time")
	}
}

// Receive is the inbound path. Messages from the local node, unknown peers or
// blacklisted peers are dropped.
func (n *Network) Receive(from cluster.NodeID, msg cluster.Message) {
	n.mu.Lock()
	_, known := n.peers[from]
	drop := n.closed || from == n.self || !known || n.blacklisted[from]
	n.mu.Unlock()
	if drop {
		n.log.WithFields(logging.Fields{
			"from":   from,
			"method": msg.Method,
		}).Debug("dropping inbound message")
		return
	}
	n.opts.metrics.MessageReceived()
	if n.opts.handler != nil {
		n.opts.handler(from, msg)
	}
}

// Close stops every worker and drops what is still queued. Later calls fail
// with cluster.ErrShutdown.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	peers := make([]*peer, 0, len(n.peers))
	for _, id := range n.order {
		peers = append(peers, n.peers[id])
	}
	n.peers = make(map[cluster.NodeID]*peer)
	n.order = nil
	dropped := 0
	for _, p := range peers {
		dropped += p.queue.Close()
		p.cancel()
	}
	n.mu.Unlock()

	n.opts.metrics.Purged(dropped)
	n.opts.metrics.PendingChanged(-dropped)
	for _, p := range peers {
		<-p.queue.Done()
		if err := p.dropConn(); err != nil {
			n.log.WithError(err).WithField("peer", p.id).Debug("error closing connection")
		}
	}
	n.log.WithField("dropped", dropped).Info("network closed")
	return nil
}

func (n *Network) deliverer(p *peer) msgqueue.DeliverFunc {
	return func(item msgqueue.Item) error {
		conn, err := p.connect(n.connector)
		if err != nil {
			return errors.Wrapf(err, "dial %s", p.id)
		}
		ctx, cancel := context.WithTimeout(p.ctx, n.opts.sendTimeout)
		defer cancel()
		if err := conn.Send(ctx, item); err != nil {
			_ = p.dropConn()
			return errors.Wrapf(err, "send to %s", p.id)
		}
		return nil
	}
}

// delivered runs on the peer's worker once a message is done with.
func (n *Network) delivered(p *peer, err error) {
	n.opts.metrics.PendingChanged(-1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers[p.id] != p {
		return
	}
	p.unreachable = err
}

func (n *Network) deliveryFailed(to cluster.NodeID, item msgqueue.Item, err error) {
	n.opts.metrics.DeliveryFailed()
	n.log.WithError(err).WithFields(logging.Fields{
		"peer":   to,
		"id":     item.ID,
		"method": item.Message.Method,
	}).Warn("giving up on message")
	if n.opts.onFailure != nil {
		n.opts.onFailure(to, item.Message, err)
	}
}

func reason(err error) string {
	switch errors.Cause(err) {
	case cluster.ErrNoPeers:
		return "no_peers"
	case cluster.ErrUnknownPeer:
		return "unknown_peer"
	case cluster.ErrBlacklisted:
		return "blacklisted"
	case cluster.ErrUnreachable:
		return "unreachable"
	case cluster.ErrQueueFull:
		return "queue_full"
	case cluster.ErrShutdown:
		return "shutdown"
	case cluster.ErrSendToSelf:
		return "self"
	default:
		return "other"
	}
}
