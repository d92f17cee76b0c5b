package cluster

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Communication errors: the transport could not accept the message.
var (
	ErrNoPeers     = errors.New("cluster: no peers to broadcast to")
	ErrUnknownPeer = errors.New("cluster: unknown peer")
	ErrBlacklisted = errors.New("cluster: peer is blacklisted")
	ErrUnreachable = errors.New("cluster: peer is unreachable")
	ErrQueueFull   = errors.New("cluster: outbound queue is full")
	ErrShutdown    = errors.New("cluster: transport is shut down")
)

// ErrSendToSelf is a contract violation by the calling session.
var ErrSendToSelf = errors.New("cluster: send to self")

var communicationErrors = []error{
	ErrNoPeers,
	ErrUnknownPeer,
	ErrBlacklisted,
	ErrUnreachable,
	ErrQueueFull,
	ErrShutdown,
}

// IsCommunication reports whether err means the message could not be handed
// to the transport. Sessions decide whether to retry, blacklist or abort.
func IsCommunication(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := errors.Cause(err).(*BroadcastError); ok {
		return true
	}
	cause := errors.Cause(err)
	for _, e := range communicationErrors {
		if cause == e {
			return true
		}
	}
	return false
}

// IsContractViolation reports whether err was caused by the caller misusing
// the contract.
func IsContractViolation(err error) bool {
	return err != nil && errors.Cause(err) == ErrSendToSelf
}

// BroadcastError lists the recipients a broadcast could not be queued for.
// Recipients missing from Failed were queued normally.
type BroadcastError struct {
	Failed map[NodeID]error
}

func (e *BroadcastError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, id := range e.Nodes() {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failed[id]))
	}
	return "cluster: broadcast failed for " + strings.Join(parts, "; ")
}

// Nodes returns the failed recipients in id order.
func (e *BroadcastError) Nodes() []NodeID {
	ids := make([]NodeID, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	return SortNodeIDs(ids)
}
