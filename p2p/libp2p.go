package p2p

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	crypto "github.com/libp2p/go-libp2p-crypto"
	host "github.com/libp2p/go-libp2p-host"
	inet "github.com/libp2p/go-libp2p-net"
	peerlib "github.com/libp2p/go-libp2p-peer"
	pstore "github.com/libp2p/go-libp2p-peerstore"
	protocol "github.com/libp2p/go-libp2p-protocol"
	ma "github.com/multiformats/go-multiaddr"
	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/torus-cluster/cluster"
	"github.com/torusresearch/torus-cluster/msgqueue"
	"github.com/torusresearch/torus-cluster/version"
)

// pattern: /protocol-name/request-or-response-message/version
var ProtocolID = protocol.ID("/torus-cluster/msg/" + version.WireVersion)

const DefaultDuplicateWindow = 10 * time.Minute

// DecodeNodeKey parses a hex encoded secp256k1 private key. An empty string
// yields a fresh key.
func DecodeNodeKey(hexKey string) (crypto.PrivKey, error) {
	if hexKey == "" {
		priv, _, err := crypto.GenerateKeyPair(crypto.Secp256k1, 256)
		return priv, err
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "node key is not hex")
	}
	return crypto.UnmarshalSecp256k1PrivateKey(b)
}

// LibP2PConnector sends every message on its own stream. libp2p authenticates
// the remote peer, so the sender of an inbound message is the stream's remote
// peer ID. Copies of a message produced by sender retries are dropped for
// the duplicate window.
type LibP2PConnector struct {
	host host.Host
	seen *cache.Cache
	log  *logging.Entry

	mu      sync.RWMutex
	handler Handler
}

var _ Connector = (*LibP2PConnector)(nil)

func NewLibP2PConnector(ctx context.Context, listenAddress string, priv crypto.PrivKey, duplicateWindow time.Duration) (*LibP2PConnector, error) {
	if duplicateWindow <= 0 {
		duplicateWindow = DefaultDuplicateWindow
	}
	h, err := libp2p.New(ctx,
		libp2p.ListenAddrStrings(listenAddress),
		libp2p.Identity(priv),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not create libp2p host")
	}
	c := &LibP2PConnector{
		host: h,
		seen: cache.New(duplicateWindow, 2*duplicateWindow),
		log:  logging.WithFields(logging.Fields{"component": "libp2p", "node": peerlib.IDB58Encode(h.ID())}),
	}
	h.SetStreamHandler(ProtocolID, c.streamHandler)
	return c, nil
}

// ID is the local node's cluster identity.
func (c *LibP2PConnector) ID() cluster.NodeID {
	return cluster.NodeID(peerlib.IDB58Encode(c.host.ID()))
}

// FullAddress is the address other nodes pass to AddPeer to reach this one.
func (c *LibP2PConnector) FullAddress() (ma.Multiaddr, error) {
	addrs := c.host.Addrs()
	if len(addrs) == 0 {
		return nil, errors.New("libp2p host has no listen address")
	}
	// Build host multiaddress
	hostAddr, err := ma.NewMultiaddr(fmt.Sprintf("/ipfs/%s", c.host.ID().Pretty()))
	if err != nil {
		return nil, err
	}
	return addrs[0].Encapsulate(hostAddr), nil
}

// AddPeer records where to reach a peer given its full address
// (/ip4/<a.b.c.d>/tcp/<port>/ipfs/<peer>) and returns its node id.
func (c *LibP2PConnector) AddPeer(address string) (cluster.NodeID, error) {
	ipfsaddr, err := ma.NewMultiaddr(address)
	if err != nil {
		return "", errors.Wrapf(err, "bad peer address %s", address)
	}
	pid, err := ipfsaddr.ValueForProtocol(ma.P_IPFS)
	if err != nil {
		return "", errors.Wrapf(err, "peer address %s has no peer id", address)
	}
	peerID, err := peerlib.IDB58Decode(pid)
	if err != nil {
		return "", errors.Wrapf(err, "bad peer id in %s", address)
	}
	if peerID == c.host.ID() {
		return c.ID(), nil
	}
	// /ip4/<a.b.c.d>/ipfs/<peer> becomes /ip4/<a.b.c.d>
	targetPeerAddr, err := ma.NewMultiaddr(fmt.Sprintf("/ipfs/%s", pid))
	if err != nil {
		return "", err
	}
	targetAddr := ipfsaddr.Decapsulate(targetPeerAddr)
	c.host.Peerstore().AddAddr(peerID, targetAddr, pstore.PermanentAddrTTL)
	c.log.WithField("address", address).Debug("added peer to address book")
	return cluster.NodeID(pid), nil
}

func (c *LibP2PConnector) SetInboundHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *LibP2PConnector) Dial(ctx context.Context, node cluster.NodeID) (Conn, error) {
	peerID, err := peerlib.IDB58Decode(string(node))
	if err != nil {
		return nil, errors.Wrapf(err, "bad node id %s", node)
	}
	if len(c.host.Peerstore().Addrs(peerID)) == 0 {
		return nil, errors.Wrapf(ErrNoEndpoint, "%s", node)
	}
	return &libp2pConn{connector: c, peerID: peerID}, nil
}

func (c *LibP2PConnector) Disconnect(node cluster.NodeID) error {
	peerID, err := peerlib.IDB58Decode(string(node))
	if err != nil {
		return errors.Wrapf(err, "bad node id %s", node)
	}
	return c.host.Network().ClosePeer(peerID)
}

func (c *LibP2PConnector) Close() error {
	return c.host.Close()
}

func (c *LibP2PConnector) streamHandler(s inet.Stream) {
	buf, err := ioutil.ReadAll(s)
	if err != nil {
		s.Reset()
		c.log.WithError(err).Error("could not read stream")
		return
	}
	s.Close()

	remote := peerlib.IDB58Encode(s.Conn().RemotePeer())
	w, err := decodeWire(buf)
	if err != nil {
		c.log.WithError(err).WithField("remote", remote).Error("dropping malformed message")
		return
	}
	if w.From != remote {
		c.log.WithFields(logging.Fields{
			"remote": remote,
			"from":   w.From,
		}).Error("sender does not match remote peer")
		return
	}
	if err := c.seen.Add(w.ID, struct{}{}, cache.DefaultExpiration); err != nil {
		c.log.WithField("id", w.ID).Debug("dropping duplicate message")
		return
	}

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		c.log.WithField("id", w.ID).Warn("no inbound handler, dropping message")
		return
	}
	h(cluster.NodeID(remote), w.message())
}

type libp2pConn struct {
	connector *LibP2PConnector
	peerID    peerlib.ID
}

func (l *libp2pConn) Send(ctx context.Context, item msgqueue.Item) error {
	data, err := encodeWire(l.connector.ID(), item)
	if err != nil {
		return err
	}
	s, err := l.connector.host.NewStream(ctx, l.peerID, ProtocolID)
	if err != nil {
		return err
	}
	if _, err = s.Write(data); err != nil {
		s.Reset()
		return err
	}
	// FullClose closes the stream and waits for the other side to close their half.
	if err = inet.FullClose(s); err != nil {
		s.Reset()
		return err
	}
	return nil
}

// Close is a no-op: streams are per message and the underlying connection is
// shared and managed by the host.
func (l *libp2pConn) Close() error {
	return nil
}
