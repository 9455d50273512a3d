package editor

import (
	"encoding/json"
	"sort"
	"time"

	"resume-collab/internal/document"
	"resume-collab/internal/models"
	"resume-collab/internal/services/collaboration"
	"resume-collab/internal/services/docmanager"
)

// State is the projection a UI renders. Section contents are flattened to
// top-level keys next to the status fields.
type State struct {
	Sections   map[string]json.RawMessage
	Order      []string
	Visibility map[string]bool
	Metadata   *document.Metadata

	IsInitialized  bool
	IsLoading      bool
	IsSyncing      bool
	LastSyncTime   *time.Time
	SyncError      *string
	PendingChanges int

	IsSharing    bool
	Collab       collaboration.State
	SessionID    string
	ShareURL     string
	Role         models.Role
	Participants []models.Participant
}

// MarshalJSON flattens sections to the top level.
func (s State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Sections)+16)
	for k, v := range s.Sections {
		out[k] = v
	}
	out["order"] = s.Order
	out["visibility"] = s.Visibility
	if s.Metadata != nil {
		out["_metadata"] = s.Metadata
	}
	out["isInitialized"] = s.IsInitialized
	out["isLoading"] = s.IsLoading
	out["isSyncing"] = s.IsSyncing
	out["lastSyncTime"] = s.LastSyncTime
	out["syncError"] = s.SyncError
	out["pendingChanges"] = s.PendingChanges
	out["isSharing"] = s.IsSharing
	out["collaboration"] = s.Collab
	out["participants"] = s.Participants
	if s.SessionID != "" {
		out["sessionId"] = s.SessionID
		out["role"] = s.Role
	}
	if s.ShareURL != "" {
		out["shareUrl"] = s.ShareURL
	}
	return json.Marshal(out)
}

// project builds a State from the three sources it is derived from. view is
// nil until the document is loaded.
func project(view *document.Resume, status docmanager.Status, info collaboration.Info, loading bool) State {
	st := State{
		IsInitialized:  view != nil,
		IsLoading:      loading,
		IsSyncing:      status.IsSyncing,
		LastSyncTime:   status.LastSyncTime,
		SyncError:      status.SyncError,
		PendingChanges: status.PendingChanges,
		Collab:         info.State,
		Participants:   []models.Participant{},
	}
	if view != nil {
		st.Sections = view.Content
		st.Order = view.Order
		st.Visibility = view.Visibility
		md := view.Metadata
		st.Metadata = &md
	} else {
		st.Sections = map[string]json.RawMessage{}
		st.Order = document.DefaultOrder()
		st.Visibility = document.DefaultVisibility()
	}

	if info.Session != nil {
		st.IsSharing = info.State == collaboration.StateActive
		st.SessionID = info.Session.SessionID
		st.ShareURL = info.Session.ShareURL
		st.Role = info.Session.Role
		for _, p := range info.Session.Participants {
			st.Participants = append(st.Participants, p)
		}
		sort.Slice(st.Participants, func(i, j int) bool {
			if !st.Participants[i].JoinedAt.Equal(st.Participants[j].JoinedAt) {
				return st.Participants[i].JoinedAt.Before(st.Participants[j].JoinedAt)
			}
			return st.Participants[i].PeerID < st.Participants[j].PeerID
		})
	}
	return st
}
