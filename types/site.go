package types

import (
	"time"
)

// SiteStatus is the replication health of a remote site
type SiteStatus string

const (
	SiteReachable   SiteStatus = "reachable"
	SiteUnreachable SiteStatus = "unreachable"
	SiteSyncing     SiteStatus = "syncing"
	SiteDiverged    SiteStatus = "diverged"
)

// ReplicaSite tracks how far a remote site has confirmed the local chain
type ReplicaSite struct {
	SiteID              string     `json:"site_id"`
	Endpoint            string     `json:"endpoint"`
	LastSyncedIndex     int64      `json:"last_synced_index"`
	LastSyncAt          time.Time  `json:"last_sync_at"`
	Status              SiteStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
}

// NewReplicaSite returns a site that has confirmed nothing yet
func NewReplicaSite(siteID, endpoint string) ReplicaSite {
	return ReplicaSite{
		SiteID:          siteID,
		Endpoint:        endpoint,
		LastSyncedIndex: -1,
		Status:          SiteReachable,
	}
}

// Holds reports whether the site has confirmed the block at index
func (s ReplicaSite) Holds(index uint64) bool {
	return s.LastSyncedIndex >= 0 && uint64(s.LastSyncedIndex) >= index
}

// Lag returns how many local blocks the site has not yet confirmed
func (s ReplicaSite) Lag(tip Tip) uint64 {
	if tip.Empty() {
		return 0
	}
	confirmed := uint64(s.LastSyncedIndex + 1)
	if confirmed >= tip.Length {
		return 0
	}
	return tip.Length - confirmed
}

// PeerStatus is what a site reports about its own chain
type PeerStatus struct {
	NodeID string    `json:"node_id"`
	Tip    Tip       `json:"tip"`
	AsOf   time.Time `json:"as_of"`
	// LastSyncAt is the time the peer last accepted a replicated block
	LastSyncAt time.Time `json:"last_sync_at"`
}
