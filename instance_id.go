package taskmesh

import "github.com/google/uuid"

// generateInstanceID returns a fresh per-process identity used in lock,
// leader-election, and cron claim documents.
func generateInstanceID() string {
	return uuid.NewString()
}
