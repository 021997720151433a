package snapshot

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/subagent/subagent/internal/common/fsatomic"
)

// counter allocates snapshot ids backed by a sidecar file. The counter
// is persisted before a snapshot is written, so ids stay strictly
// increasing across crashes even when a write never completes.
type counter struct {
	path string
	next uint64
}

type counterState struct {
	Next uint64 `json:"next"`
}

func loadCounter(path string) (*counter, error) {
	c := &counter{path: path, next: 1}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read counter: %v", ErrSnapshot, err)
	}
	var state counterState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: parse counter: %v", ErrSnapshot, err)
	}
	if state.Next > c.next {
		c.next = state.Next
	}
	return c, nil
}

// allocate persists the advanced counter, then returns the reserved id.
func (c *counter) allocate() (string, error) {
	id := fmt.Sprintf("snap_%06d", c.next)
	if err := fsatomic.WriteJSON(c.path, counterState{Next: c.next + 1}, 0o644); err != nil {
		return "", fmt.Errorf("%w: persist counter: %v", ErrSnapshot, err)
	}
	c.next++
	return id, nil
}
