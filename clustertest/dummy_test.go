package clustertest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torusresearch/torus-cluster/cluster"
)

var (
	msgX = cluster.Message{SessionID: "keygen-1", Method: "x", Data: []byte("X")}
	msgY = cluster.Message{SessionID: "keygen-1", Method: "y", Data: []byte("Y")}
)

func drain(c *DummyCluster) []cluster.Envelope {
	var res []cluster.Envelope
	for {
		env, ok := c.TakeMessage()
		if !ok {
			return res
		}
		res = append(res, env)
	}
}

func TestBroadcastThenSendOrder(t *testing.T) {
	a := New("A")
	a.AddNode("B")
	a.AddNode("C")
	require.NoError(t, a.Broadcast(msgX))
	require.NoError(t, a.Send("B", msgY))

	assert.Equal(t, []cluster.Envelope{
		{To: "B", Message: msgX},
		{To: "C", Message: msgX},
		{To: "B", Message: msgY},
	}, drain(a))
}

func TestBroadcastExcludesSelf(t *testing.T) {
	a := New("A")
	for _, n := range []cluster.NodeID{"A", "B", "C", "D"} {
		a.AddNode(n)
	}
	require.NoError(t, a.Broadcast(msgX))

	envs := drain(a)
	assert.Len(t, envs, 3)
	for _, env := range envs {
		assert.NotEqual(t, cluster.NodeID("A"), env.To)
		assert.Equal(t, msgX, env.Message)
	}
}

func TestBroadcastClonesPayload(t *testing.T) {
	a := New("A")
	a.AddNode("B")
	a.AddNode("C")
	m := cluster.Message{Method: "x", Data: []byte{1}}
	require.NoError(t, a.Broadcast(m))
	m.Data[0] = 2

	envs := drain(a)
	require.Len(t, envs, 2)
	envs[0].Message.Data[0] = 3
	assert.Equal(t, byte(1), envs[1].Message.Data[0])
}

func TestBroadcastWithNoPeers(t *testing.T) {
	a := New("A")
	assert.NoError(t, a.Broadcast(msgX))
	assert.Equal(t, 0, a.Len())
}

func TestDuplicateNodesAreKept(t *testing.T) {
	a := New("A")
	a.AddNode("B")
	a.AddNode("B")
	require.NoError(t, a.Broadcast(msgX))
	assert.Equal(t, []cluster.NodeID{"B", "B"}, a.Nodes())
	assert.Equal(t, 2, a.Len())
}

func TestSendAppendsOneEntry(t *testing.T) {
	a := New("A")
	require.NoError(t, a.Send("Z", msgY))
	assert.Equal(t, []cluster.Envelope{{To: "Z", Message: msgY}}, drain(a))
}

func TestSendToSelfPanics(t *testing.T) {
	a := New("A")
	assert.Panics(t, func() {
		_ = a.Send("A", msgX)
	})
	assert.Equal(t, 0, a.Len())
}

func TestTakeMessageOnEmptyQueue(t *testing.T) {
	a := New("A")
	for i := 0; i < 3; i++ {
		env, ok := a.TakeMessage()
		assert.False(t, ok)
		assert.Equal(t, cluster.Envelope{}, env)
	}
}

func TestBlacklistLeavesStateAlone(t *testing.T) {
	a := New("A")
	a.AddNode("B")
	a.AddNode("C")
	require.NoError(t, a.Broadcast(msgX))

	a.Blacklist("B")

	assert.Equal(t, []cluster.NodeID{"B", "C"}, a.Nodes())
	assert.Equal(t, []cluster.NodeID{"B"}, a.Blacklisted())
	require.NoError(t, a.Send("B", msgY))
	assert.Equal(t, []cluster.Envelope{
		{To: "B", Message: msgX},
		{To: "C", Message: msgX},
		{To: "B", Message: msgY},
	}, drain(a))
}

func TestDiscardKeepsOrderOfOthers(t *testing.T) {
	a := New("A")
	a.AddNode("B")
	a.AddNode("C")
	require.NoError(t, a.Broadcast(msgX))
	require.NoError(t, a.Broadcast(msgY))

	assert.Equal(t, 2, a.Discard("B"))
	assert.Equal(t, []cluster.Envelope{
		{To: "C", Message: msgX},
		{To: "C", Message: msgY},
	}, drain(a))
}

func TestConcurrentSendsAndBroadcasts(t *testing.T) {
	a := New("A")
	peers := []cluster.NodeID{"B", "C", "D"}
	for _, p := range peers {
		a.AddNode(p)
	}

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m := cluster.Message{SessionID: cluster.SessionID(fmt.Sprint(w)), Method: fmt.Sprint(i)}
				if i%2 == 0 {
					assert.NoError(t, a.Broadcast(m))
				} else {
					assert.NoError(t, a.Send("B", m))
				}
			}
		}(w)
	}
	wg.Wait()

	// every broadcast produces one entry per peer, every send one entry
	expected := workers * (perWorker/2*len(peers) + perWorker/2)
	envs := drain(a)
	require.Len(t, envs, expected)

	// per worker and per recipient, entries appear in call order
	last := make(map[string]int)
	for _, env := range envs {
		var i int
		_, err := fmt.Sscan(env.Message.Method, &i)
		require.NoError(t, err)
		key := string(env.Message.SessionID) + "/" + string(env.To)
		if prev, ok := last[key]; ok {
			assert.True(t, i > prev, "worker %s to %s: %d after %d", env.Message.SessionID, env.To, i, prev)
		}
		last[key] = i
	}
}
