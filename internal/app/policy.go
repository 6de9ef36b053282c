package app

import "time"

// Policy is the configuration port used by the application.
// Implemented by internal/policy.Policy.
type Policy interface {
	NodeID() string
	MinScore() int
	RequiresReview(taskType string) bool
	HeartbeatInterval() time.Duration
	HeartbeatTimeout() time.Duration
	IsToolEnabled(name string) bool
}
