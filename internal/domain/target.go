// Package domain contains the persisted record types of shsh-pilot.
package domain

import (
	"time"
)

// Target binds an agent session to the container its commands run in.
// Provisioned is set when the service created the container itself and is
// responsible for stopping it.
type Target struct {
	SessionID   string    `json:"session_id"`
	ContainerID string    `json:"container_id"`
	Provisioned bool      `json:"provisioned"`
	Shell       string    `json:"shell,omitempty"`
	User        string    `json:"user,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IdleFor reports how long the target has gone without activity.
func (t *Target) IdleFor(now time.Time) time.Duration {
	if d := now.Sub(t.LastSeenAt); d > 0 {
		return d
	}
	return 0
}
