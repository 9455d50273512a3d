package models

import (
	"hash/fnv"
	"strings"
	"time"
)

/*
LEARNING: PRESENCE IS NOT DOCUMENT CONTENT

Who is connected to a collaboration session is ephemeral state. It lives on
the pub/sub channel and in memory only; nothing here is ever written to the
database. The document itself converges through the CRDT, presence converges
through announce/heartbeat/leave messages on the same channel.
*/

// Role of a peer inside a collaboration session
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// DefaultUserName is shown for peers that announce no name.
const DefaultUserName = "Anonymous"

// participantColors is the palette peers are painted with.
var participantColors = []string{
	"#E57373", "#64B5F6", "#81C784", "#FFB74D",
	"#BA68C8", "#4DB6AC", "#F06292", "#A1887F",
}

// ColorFor derives a stable color from a user id so every peer paints the
// same user the same way without coordination.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return participantColors[h.Sum32()%uint32(len(participantColors))]
}

// PresenceMeta is the fixed shape a peer announces on the channel.
type PresenceMeta struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
	Role     Role   `json:"role"`
}

// Normalize fills defaults for anything a remote peer left out or sent in an
// unexpected shape.
func (m PresenceMeta) Normalize() PresenceMeta {
	m.UserID = strings.TrimSpace(m.UserID)
	m.UserName = strings.TrimSpace(m.UserName)
	if m.UserName == "" {
		m.UserName = DefaultUserName
	}
	if m.Role != RoleHost {
		m.Role = RoleGuest
	}
	if !validColor(m.Color) {
		m.Color = ColorFor(m.UserID)
	}
	return m
}

func validColor(c string) bool {
	if len(c) != 7 || c[0] != '#' {
		return false
	}
	for _, r := range c[1:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// Participant is a remote peer currently present in a session.
type Participant struct {
	PeerID      string    `json:"peerId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// CollaborationSession is the in-memory record of an active share.
type CollaborationSession struct {
	SessionID    string                 `json:"sessionId"`
	ResumeID     string                 `json:"resumeId"`
	Role         Role                   `json:"role"`
	ChannelName  string                 `json:"channelName"`
	ShareURL     string                 `json:"shareUrl,omitempty"`
	StartedAt    time.Time              `json:"startedAt"`
	Participants map[string]Participant `json:"participants"`
}
