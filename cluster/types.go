package cluster

import (
	"sort"
)

// NodeID identifies a cluster participant. For libp2p nodes it is the base58
// encoded peer ID.
type NodeID string

func (n NodeID) String() string {
	return string(n)
}

// Less orders node ids lexicographically.
func (n NodeID) Less(other NodeID) bool {
	return n < other
}

// SortNodeIDs sorts ids in place and returns them.
func SortNodeIDs(ids []NodeID) []NodeID {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// SessionID ties a message to the protocol session that produced it.
type SessionID string

// Message is one protocol round communication. The cluster treats it as an
// opaque value; Method says which session handler it is for.
type Message struct {
	SessionID SessionID `json:"sessionID"`
	Method    string    `json:"method"`
	Data      []byte    `json:"data"`
}

// Clone returns a copy of m that shares no memory with it.
func (m Message) Clone() Message {
	c := m
	if m.Data != nil {
		c.Data = make([]byte, len(m.Data))
		copy(c.Data, m.Data)
	}
	return c
}

// Envelope is a message addressed to one node.
type Envelope struct {
	To      NodeID
	Message Message
}
