package session

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torusresearch/torus-cluster/cluster"
	"github.com/torusresearch/torus-cluster/clustertest"
)

var peers = []cluster.NodeID{"B", "C", "D"}

func newDummy() *clustertest.DummyCluster {
	c := clustertest.New("A")
	c.AddNode("A")
	for _, p := range peers {
		c.AddNode(p)
	}
	return c
}

func TestRoundCompletesAtThreshold(t *testing.T) {
	c := newDummy()
	r, err := NewRound(c, "A", append([]cluster.NodeID{"A"}, peers...), 2)
	require.NoError(t, err)

	require.NoError(t, r.Start(cluster.Message{SessionID: "s", Method: "commit"}))
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, RoundStates.Collecting, r.State())

	assert.True(t, r.Accept("B", cluster.Message{Method: "share", Data: []byte("b")}))
	assert.False(t, r.Accept("B", cluster.Message{Method: "share", Data: []byte("again")}))
	assert.False(t, r.Accept("X", cluster.Message{Method: "share"}))
	assert.False(t, r.Accept("A", cluster.Message{Method: "share"}))
	assert.Equal(t, RoundStates.Collecting, r.State())

	assert.True(t, r.Accept("C", cluster.Message{Method: "share", Data: []byte("c")}))
	assert.Equal(t, RoundStates.Complete, r.State())
	assert.NoError(t, r.Err())
	assert.False(t, r.Accept("D", cluster.Message{Method: "share"}))

	res := r.Responses()
	assert.Len(t, res, 2)
	assert.Equal(t, []byte("b"), res["B"].Data)
	assert.Equal(t, []byte("c"), res["C"].Data)

	assert.NoError(t, r.Expire())
	assert.Empty(t, c.Blacklisted())
	assert.Equal(t, ErrRoundOver, r.Start(cluster.Message{Method: "commit"}))
}

func TestExpireBlacklistsSilentParticipants(t *testing.T) {
	c := newDummy()
	r, err := NewRound(c, "A", peers, 2)
	require.NoError(t, err)
	require.NoError(t, r.Start(cluster.Message{Method: "commit"}))
	assert.True(t, r.Accept("C", cluster.Message{Method: "share"}))

	err = r.Expire()
	assert.Equal(t, ErrQuorumLost, err)
	assert.Equal(t, RoundStates.Aborted, r.State())
	assert.Equal(t, []cluster.NodeID{"B", "D"}, c.Blacklisted())

	excluded := r.Excluded()
	assert.Len(t, excluded, 2)
	assert.Equal(t, ErrNoResponse, excluded["B"])
	assert.Equal(t, ErrNoResponse, excluded["D"])

	// later calls neither blacklist again nor change the outcome
	assert.Equal(t, ErrQuorumLost, r.Expire())
	assert.Len(t, c.Blacklisted(), 2)
	assert.False(t, r.Accept("B", cluster.Message{Method: "share"}))
}

func TestRequestFailureExcludesPeer(t *testing.T) {
	c := clustertest.NewStrict("A")
	for _, p := range peers {
		c.AddNode(p)
	}
	c.Blacklist("C")

	r, err := NewRound(c, "A", peers, 2)
	require.NoError(t, err)

	err = r.Request("C", cluster.Message{Method: "reveal"})
	assert.Equal(t, cluster.ErrBlacklisted, errors.Cause(err))
	assert.Contains(t, r.Excluded(), cluster.NodeID("C"))
	assert.Equal(t, RoundStates.Collecting, r.State())
	assert.False(t, r.Accept("C", cluster.Message{Method: "share"}))

	require.NoError(t, r.Request("B", cluster.Message{Method: "reveal"}))
	assert.Equal(t, 1, c.Len())
}

func TestRequestFailureCanLoseQuorum(t *testing.T) {
	c := clustertest.NewStrict("A")
	for _, p := range peers {
		c.AddNode(p)
	}
	c.Blacklist("D")

	r, err := NewRound(c, "A", peers, 3)
	require.NoError(t, err)
	assert.Error(t, r.Request("D", cluster.Message{Method: "reveal"}))
	assert.Equal(t, RoundStates.Aborted, r.State())
	assert.Equal(t, ErrQuorumLost, r.Err())
	assert.Equal(t, ErrRoundOver, r.Request("B", cluster.Message{Method: "reveal"}))
}

func TestRequestToSelfIsReturnedUnchanged(t *testing.T) {
	c := clustertest.NewStrict("A")
	for _, p := range peers {
		c.AddNode(p)
	}
	r, err := NewRound(c, "A", peers, 2)
	require.NoError(t, err)

	err = r.Request("A", cluster.Message{Method: "reveal"})
	assert.True(t, cluster.IsContractViolation(err))
	assert.Empty(t, r.Excluded())
	assert.False(t, c.IsBlacklisted("A"))
	assert.Equal(t, RoundStates.Collecting, r.State())
}

type brokenCluster struct {
	err         error
	blacklisted []cluster.NodeID
}

func (b *brokenCluster) Broadcast(cluster.Message) error { return b.err }
func (b *brokenCluster) Send(cluster.NodeID, cluster.Message) error { return b.err }
func (b *brokenCluster) Blacklist(node cluster.NodeID) {
	b.blacklisted = append(b.blacklisted, node)
}

func TestWholeBroadcastFailureAbortsRound(t *testing.T) {
	c := &brokenCluster{err: errors.Wrap(cluster.ErrNoPeers, "broadcast")}
	r, err := NewRound(c, "A", peers, 2)
	require.NoError(t, err)

	err = r.Start(cluster.Message{Method: "commit"})
	assert.Equal(t, cluster.ErrNoPeers, errors.Cause(err))
	assert.Equal(t, RoundStates.Aborted, r.State())
	assert.Equal(t, cluster.ErrNoPeers, errors.Cause(r.Err()))
	assert.Empty(t, c.blacklisted)
}

func TestPartialBroadcastFailureExcludesFailedPeers(t *testing.T) {
	c := &brokenCluster{err: &cluster.BroadcastError{Failed: map[cluster.NodeID]error{
		"D": errors.Wrap(cluster.ErrUnreachable, "send to D"),
		"X": errors.Wrap(cluster.ErrUnknownPeer, "send to X"),
	}}}
	r, err := NewRound(c, "A", peers, 2)
	require.NoError(t, err)

	err = r.Start(cluster.Message{Method: "commit"})
	assert.True(t, cluster.IsCommunication(err))
	assert.Equal(t, RoundStates.Collecting, r.State())
	assert.NoError(t, r.Err())
	assert.Equal(t, []cluster.NodeID{"D"}, c.blacklisted)

	excluded := r.Excluded()
	assert.Len(t, excluded, 1)
	assert.Equal(t, cluster.ErrUnreachable, errors.Cause(excluded["D"]))
	assert.False(t, r.Accept("D", cluster.Message{Method: "share"}))

	assert.True(t, r.Accept("B", cluster.Message{Method: "share"}))
	assert.True(t, r.Accept("C", cluster.Message{Method: "share"}))
	assert.Equal(t, RoundStates.Complete, r.State())
}

func TestPartialBroadcastFailureCanLoseQuorum(t *testing.T) {
	c := &brokenCluster{err: &cluster.BroadcastError{Failed: map[cluster.NodeID]error{
		"C": cluster.ErrQueueFull,
		"D": cluster.ErrUnreachable,
	}}}
	r, err := NewRound(c, "A", peers, 2)
	require.NoError(t, err)

	assert.Error(t, r.Start(cluster.Message{Method: "commit"}))
	assert.Equal(t, RoundStates.Aborted, r.State())
	assert.Equal(t, ErrQuorumLost, r.Err())
	assert.Equal(t, []cluster.NodeID{"C", "D"}, c.blacklisted)
}

func TestUnclassifiedSendErrorLeavesRoundAlone(t *testing.T) {
	c := &brokenCluster{err: errors.New("something else")}
	r, err := NewRound(c, "A", peers, 2)
	require.NoError(t, err)

	assert.Error(t, r.Request("B", cluster.Message{Method: "reveal"}))
	assert.Empty(t, r.Excluded())
	assert.Empty(t, c.blacklisted)
}

func TestNewRoundRejectsBadThreshold(t *testing.T) {
	c := newDummy()
	for _, threshold := range []int{0, -1, 4} {
		_, err := NewRound(c, "A", peers, threshold)
		assert.Equal(t, ErrBadThreshold, errors.Cause(err))
	}
	// the local node does not count towards the threshold
	_, err := NewRound(c, "A", append([]cluster.NodeID{"A"}, peers...), 4)
	assert.Equal(t, ErrBadThreshold, errors.Cause(err))
}
