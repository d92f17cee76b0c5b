// Package session holds the pieces protocol sessions share when they talk to
// the cluster.
package session

import (
	"sync"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/torus-cluster/cluster"
)

var (
	ErrRoundOver    = errors.New("session: round is over")
	ErrQuorumLost   = errors.New("session: too few participants left to reach the threshold")
	ErrNoResponse   = errors.New("session: participant did not respond in time")
	ErrBadThreshold = errors.New("session: threshold must be between 1 and the number of participants")
)

type roundStates struct {
	Collecting string
	Complete   string
	Aborted    string
}

type roundEvents struct {
	Finish string
	Abort  string
}

// RoundStates are the states a Round moves through.
var RoundStates = roundStates{
	Collecting: "collecting",
	Complete:   "complete",
	Aborted:    "aborted",
}

var rEvents = roundEvents{
	Finish: "finish",
	Abort:  "abort",
}

// Round collects one response per participant until threshold of them have
// answered. Peers that fail to communicate are blacklisted and leave the
// round; once too few are left to reach the threshold the round aborts.
type Round struct {
	c         cluster.Cluster
	self      cluster.NodeID
	threshold int
	log       *logging.Entry

	mu           sync.Mutex
	state        *fsm.FSM
	participants map[cluster.NodeID]bool
	responses    map[cluster.NodeID]cluster.Message
	excluded     map[cluster.NodeID]error
	err          error
}

// NewRound sets up a round over participants. The local node is never a
// participant of its own round.
func NewRound(c cluster.Cluster, self cluster.NodeID, participants []cluster.NodeID, threshold int) (*Round, error) {
	r := &Round{
		c:            c,
		self:         self,
		threshold:    threshold,
		participants: make(map[cluster.NodeID]bool),
		responses:    make(map[cluster.NodeID]cluster.Message),
		excluded:     make(map[cluster.NodeID]error),
	}
	for _, p := range participants {
		if p != self {
			r.participants[p] = true
		}
	}
	if threshold < 1 || threshold > len(r.participants) {
		return nil, errors.Wrapf(ErrBadThreshold, "threshold %d of %d", threshold, len(r.participants))
	}
	r.log = logging.WithFields(logging.Fields{
		"node":      self,
		"threshold": threshold,
	})
	r.state = fsm.NewFSM(
		RoundStates.Collecting,
		fsm.Events{
			{Name: rEvents.Finish, Src: []string{RoundStates.Collecting}, Dst: RoundStates.Complete},
			{Name: rEvents.Abort, Src: []string{RoundStates.Collecting}, Dst: RoundStates.Aborted},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				r.log.WithFields(logging.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("round state changed")
			},
		},
	)
	return r, nil
}

func (r *Round) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Current()
}

// Err is why the round aborted, nil otherwise.
func (r *Round) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Responses returns a copy of the accepted responses by sender.
func (r *Round) Responses() map[cluster.NodeID]cluster.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make(map[cluster.NodeID]cluster.Message, len(r.responses))
	for id, msg := range r.responses {
		res[id] = msg.Clone()
	}
	return res
}

// Excluded returns the participants that left the round with the reason.
func (r *Round) Excluded() map[cluster.NodeID]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make(map[cluster.NodeID]error, len(r.excluded))
	for id, err := range r.excluded {
		res[id] = err
	}
	return res
}

// Start broadcasts the round's opening message. The broadcast error is
// returned either way. When only some recipients failed, those that are
// participants are blacklisted and leave the round, which goes on while the
// threshold can still be reached. Any other broadcast error aborts the round.
func (r *Round) Start(msg cluster.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Current() != RoundStates.Collecting {
		return ErrRoundOver
	}
	err := r.c.Broadcast(msg)
	if err == nil {
		return nil
	}
	partial, ok := errors.Cause(err).(*cluster.BroadcastError)
	if !ok {
		r.abortLocked(errors.Wrap(err, "round broadcast"))
		return err
	}
	for _, node := range partial.Nodes() {
		if !r.participants[node] {
			continue
		}
		if _, done := r.excluded[node]; done {
			continue
		}
		r.excludeLocked(node, partial.Failed[node])
	}
	r.checkQuorumLocked()
	return err
}

// Request sends msg to one participant. A communication failure blacklists
// the participant and removes it from the round; a contract violation is the
// caller's bug and is returned without touching the round.
func (r *Round) Request(to cluster.NodeID, msg cluster.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Current() != RoundStates.Collecting {
		return ErrRoundOver
	}
	err := r.c.Send(to, msg)
	switch {
	case err == nil:
		return nil
	case cluster.IsContractViolation(err):
		return err
	case cluster.IsCommunication(err):
		if r.participants[to] {
			r.excludeLocked(to, err)
			r.checkQuorumLocked()
		}
		return err
	default:
		return err
	}
}

// Accept records msg as from's response. It reports false when the response
// does not count: the round is over, from is not a participant, from has been
// excluded or already responded.
func (r *Round) Accept(from cluster.NodeID, msg cluster.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Current() != RoundStates.Collecting {
		return false
	}
	if !r.participants[from] {
		r.log.WithField("from", from).Debug("ignoring response from non participant")
		return false
	}
	if _, ok := r.excluded[from]; ok {
		return false
	}
	if _, ok := r.responses[from]; ok {
		r.log.WithField("from", from).Warn("ignoring duplicate response")
		return false
	}
	r.responses[from] = msg.Clone()
	if len(r.responses) >= r.threshold {
		r.transitionLocked(rEvents.Finish)
	}
	return true
}

// Expire ends the waiting. Participants that have neither responded nor been
// excluded are blacklisted. A round still collecting has fewer responses than
// the threshold, so it aborts with ErrQuorumLost; a complete round returns nil.
func (r *Round) Expire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state.Current() {
	case RoundStates.Complete:
		return nil
	case RoundStates.Aborted:
		return r.err
	}
	for _, p := range r.sortedParticipantsLocked() {
		if _, ok := r.responses[p]; ok {
			continue
		}
		if _, ok := r.excluded[p]; ok {
			continue
		}
		r.excludeLocked(p, ErrNoResponse)
	}
	r.abortLocked(ErrQuorumLost)
	return r.err
}

func (r *Round) sortedParticipantsLocked() []cluster.NodeID {
	ids := make([]cluster.NodeID, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	return cluster.SortNodeIDs(ids)
}

func (r *Round) excludeLocked(node cluster.NodeID, reason error) {
	r.excluded[node] = reason
	r.log.WithError(reason).WithField("peer", node).Info("excluding participant from round")
	r.c.Blacklist(node)
}

func (r *Round) checkQuorumLocked() {
	if len(r.participants)-len(r.excluded) < r.threshold {
		r.abortLocked(ErrQuorumLost)
	}
}

func (r *Round) abortLocked(err error) {
	r.err = err
	r.transitionLocked(rEvents.Abort)
}

func (r *Round) transitionLocked(event string) {
	if err := r.state.Event(event); err != nil {
		r.log.WithError(err).WithField("event", event).Error("could not change round state")
	}
}
