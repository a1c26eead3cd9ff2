package model

import "time"

// SyncState is the server's durable progress for one client workspace.
// Epoch identifies the producer instance whose record sequence LastApplied
// belongs to.
type SyncState struct {
	WorkspaceID string    `json:"workspaceId"`
	Epoch       string    `json:"epoch"`
	LastApplied uint64    `json:"lastApplied"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
