package activity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session identifies one continuous run of the host process.
type Session struct {
	ID        string
	StartedAt time.Time
}

// NewSession derives a session id from the UTC start timestamp plus a
// stable token for this process. Event ids are unique within a session
// only; the token keeps concurrent processes apart.
func NewSession(now time.Time) *Session {
	started := now.UTC()
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return &Session{
		ID:        started.Format("20060102T150405Z") + "_" + token,
		StartedAt: started,
	}
}
