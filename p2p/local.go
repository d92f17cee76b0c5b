package p2p

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/torusresearch/torus-cluster/cluster"
	"github.com/torusresearch/torus-cluster/msgqueue"
)

var ErrNoEndpoint = errors.New("p2p: no endpoint for node")
var ErrConnClosed = errors.New("p2p: connection closed")

// LocalDirectory connects nodes living in the same process. Delivery is
// synchronous: Send returns after the receiver's handler has run.
type LocalDirectory struct {
	mu        sync.Mutex
	endpoints map[cluster.NodeID]*LocalConnector
}

func NewLocalDirectory() *LocalDirectory {
	return &LocalDirectory{endpoints: make(map[cluster.NodeID]*LocalConnector)}
}

// Connector returns the connector for id, creating it on first use.
func (d *LocalDirectory) Connector(id cluster.NodeID) *LocalConnector {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.endpoints[id]; ok {
		return c
	}
	c := &LocalConnector{
		dir:    d,
		id:     id,
		faults: make(map[cluster.NodeID]error),
		conns:  make(map[cluster.NodeID][]*localConn),
	}
	d.endpoints[id] = c
	return c
}

func (d *LocalDirectory) lookup(id cluster.NodeID) (*LocalConnector, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.endpoints[id]
	return c, ok
}

// LocalConnector is one node's endpoint in a LocalDirectory.
type LocalConnector struct {
	dir *LocalDirectory
	id  cluster.NodeID

	mu           sync.Mutex
	handler      Handler
	faults       map[cluster.NodeID]error
	conns        map[cluster.NodeID][]*localConn
	disconnected []cluster.NodeID
	dials        int
}

var _ Connector = (*LocalConnector)(nil)

func (c *LocalConnector) SetInboundHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// SetFault makes every dial and send toward node fail with err until
// ClearFault is called.
func (c *LocalConnector) SetFault(node cluster.NodeID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[node] = err
}

func (c *LocalConnector) ClearFault(node cluster.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.faults, node)
}

// Disconnected returns the nodes Disconnect was called for.
func (c *LocalConnector) Disconnected() []cluster.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cluster.NodeID(nil), c.disconnected...)
}

// Dials is the number of successful Dial calls.
func (c *LocalConnector) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func (c *LocalConnector) fault(node cluster.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faults[node]
}

func (c *LocalConnector) Dial(ctx context.Context, node cluster.NodeID) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.fault(node); err != nil {
		return nil, err
	}
	target, ok := c.dir.lookup(node)
	if !ok {
		return nil, errors.Wrapf(ErrNoEndpoint, "%s", node)
	}
	conn := &localConn{from: c, to: target}
	c.mu.Lock()
	c.conns[node] = append(c.conns[node], conn)
	c.dials++
	c.mu.Unlock()
	return conn, nil
}

func (c *LocalConnector) Disconnect(node cluster.NodeID) error {
	c.mu.Lock()
	conns := c.conns[node]
	delete(c.conns, node)
	c.disconnected = append(c.disconnected, node)
	c.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

func (c *LocalConnector) deliver(from cluster.NodeID, msg cluster.Message) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return errors.Wrapf(ErrNoEndpoint, "%s has no handler", c.id)
	}
	h(from, msg)
	return nil
}

type localConn struct {
	from *LocalConnector
	to   *LocalConnector

	mu     sync.Mutex
	closed bool
}

func (l *localConn) Send(ctx context.Context, item msgqueue.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	if err := l.from.fault(l.to.id); err != nil {
		return err
	}
	return l.to.deliver(l.from.id, item.Message.Clone())
}

func (l *localConn) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
