package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrCorrupt is returned when a snapshot or sync message cannot be decoded.
var ErrCorrupt = errors.New("corrupt document data")

// SyncKind identifies a sync message.
type SyncKind string

const (
	// KindChanges carries encoded automerge changes.
	KindChanges SyncKind = "changes"
	// KindState carries a full saved document.
	KindState SyncKind = "state"
	// KindHeads announces the sender's heads only.
	KindHeads SyncKind = "heads"
)

// SyncMessage is the payload replicas exchange over any transport. Heads are
// the sender's heads at the time the message was built.
type SyncMessage struct {
	Kind    SyncKind `json:"kind"`
	Changes []byte   `json:"changes,omitempty"`
	State   []byte   `json:"state,omitempty"`
	Heads   []string `json:"heads,omitempty"`
}

func EncodeSyncMessage(m *SyncMessage) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeSyncMessage(data []byte) (*SyncMessage, error) {
	var m SyncMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	switch m.Kind {
	case KindChanges:
		if len(m.Changes) == 0 {
			return nil, fmt.Errorf("%w: changes message without changes", ErrCorrupt)
		}
	case KindState:
		if len(m.State) == 0 {
			return nil, fmt.Errorf("%w: state message without state", ErrCorrupt)
		}
	case KindHeads:
	default:
		return nil, fmt.Errorf("%w: unknown sync message kind %q", ErrCorrupt, m.Kind)
	}
	return &m, nil
}

// ChangesMessage wraps the Changes of a local ChangeEvent for broadcast.
func ChangesMessage(changes []byte) *SyncMessage {
	return &SyncMessage{Kind: KindChanges, Changes: changes}
}

func sameHeads(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
