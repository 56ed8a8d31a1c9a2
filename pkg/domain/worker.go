package domain

import "time"

// WorkerInfo is a read-only view of a connected worker session.
type WorkerInfo struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remoteAddr"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Outstanding   int       `json:"outstanding"`
}
