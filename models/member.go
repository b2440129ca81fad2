package models

// Member is a mesh participant known through presence heartbeats.
type Member struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	LastSeen    int64  `json:"last_seen"`
}
