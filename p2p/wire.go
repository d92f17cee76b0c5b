package p2p

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/torusresearch/bijson"

	"github.com/torusresearch/torus-cluster/cluster"
	"github.com/torusresearch/torus-cluster/msgqueue"
	"github.com/torusresearch/torus-cluster/version"
)

// wireMessage is what goes over a libp2p stream.
type wireMessage struct {
	Version   string `json:"version"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // unix time
	From      string `json:"from"`
	SessionID string `json:"sessionID,omitempty"`
	Method    string `json:"method"`
	Payload   []byte `json:"payload"`
}

func encodeWire(from cluster.NodeID, item msgqueue.Item) ([]byte, error) {
	return bijson.Marshal(wireMessage{
		Version:   version.WireVersion,
		ID:        item.ID,
		Timestamp: time.Now().Unix(),
		From:      string(from),
		SessionID: string(item.Message.SessionID),
		Method:    item.Message.Method,
		Payload:   item.Message.Data,
	})
}

func decodeWire(data []byte) (wireMessage, error) {
	var w wireMessage
	if err := bijson.Unmarshal(data, &w); err != nil {
		return w, errors.Wrap(err, "could not unmarshal wire message")
	}
	if w.Version != version.WireVersion {
		return w, errors.Errorf("unsupported wire version %q", w.Version)
	}
	if _, err := uuid.Parse(w.ID); err != nil {
		return w, errors.Wrapf(err, "bad message id %q", w.ID)
	}
	if w.From == "" {
		return w, errors.New("wire message has no sender")
	}
	return w, nil
}

func (w wireMessage) message() cluster.Message {
	return cluster.Message{
		SessionID: cluster.SessionID(w.SessionID),
		Method:    w.Method,
		Data:      w.Payload,
	}
}
