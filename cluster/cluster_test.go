package cluster

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMessageCloneDoesNotShareData(t *testing.T) {
	msg := Message{SessionID: "s1", Method: "share", Data: []byte{1, 2, 3}}
	c := msg.Clone()
	c.Data[0] = 9
	assert.Equal(t, byte(1), msg.Data[0])
	assert.Equal(t, msg.SessionID, c.SessionID)
	assert.Equal(t, msg.Method, c.Method)

	empty := Message{Method: "ping"}.Clone()
	assert.Nil(t, empty.Data)
}

func TestSortNodeIDs(t *testing.T) {
	ids := SortNodeIDs([]NodeID{"c", "a", "b"})
	assert.Equal(t, []NodeID{"a", "b", "c"}, ids)
	assert.True(t, NodeID("a").Less("b"))
	assert.False(t, NodeID("b").Less("b"))
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, IsCommunication(ErrNoPeers))
	assert.True(t, IsCommunication(errors.Wrap(ErrBlacklisted, "send to B")))
	assert.True(t, IsCommunication(&BroadcastError{Failed: map[NodeID]error{"B": ErrQueueFull}}))
	assert.False(t, IsCommunication(ErrSendToSelf))
	assert.False(t, IsCommunication(nil))

	assert.True(t, IsContractViolation(errors.Wrapf(ErrSendToSelf, "node %s", "A")))
	assert.False(t, IsContractViolation(ErrShutdown))
}

func TestBroadcastErrorMessage(t *testing.T) {
	err := &BroadcastError{Failed: map[NodeID]error{
		"C": ErrQueueFull,
		"B": ErrUnreachable,
	}}
	assert.Equal(t, []NodeID{"B", "C"}, err.Nodes())
	assert.Equal(t, "cluster: broadcast failed for B: cluster: peer is unreachable; C: cluster: outbound queue is full", err.Error())
}
