package domain

// Member is a peer registered in the coordination database.
type Member struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	StartedAt string `json:"started_at" format:"date-time"`
	LastSeen  string `json:"last_seen" format:"date-time"`
	Live      bool   `json:"live"`
}

// Lease is the singleton lease row.
type Lease struct {
	Name       string `json:"name"`
	HolderID   string `json:"holder_id"`
	HolderAddr string `json:"holder_addr"`
	Epoch      int64  `json:"epoch"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
	Valid      bool   `json:"valid"`
}

// Event is one entry of the lifecycle journal.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	NodeID     string         `json:"node_id"`
	InstanceID string         `json:"instance_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Greeting is the persisted greeting row.
type Greeting struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}
