package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/subagent/subagent/internal/common/fsatomic"
)

// queue is the durable approval state: a JSON object mapping approval id
// to the request record, rewritten atomically on every mutation. Only
// the gate mutates it.
type queue struct {
	path    string
	entries map[string]*Request
}

func loadQueue(path string) (*queue, error) {
	q := &queue{path: path, entries: map[string]*Request{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read approval queue: %w", err)
	}
	if err := json.Unmarshal(data, &q.entries); err != nil {
		return nil, fmt.Errorf("parse approval queue: %w", err)
	}
	return q, nil
}

func (q *queue) save() error {
	if err := fsatomic.WriteJSON(q.path, q.entries, 0o644); err != nil {
		return fmt.Errorf("persist approval queue: %w", err)
	}
	return nil
}

func (q *queue) get(id string) (*Request, bool) {
	req, ok := q.entries[id]
	return req, ok
}

// put stores the entry and rewrites the file before returning.
func (q *queue) put(req *Request) error {
	q.entries[req.ApprovalID] = req
	return q.save()
}

// list returns copies filtered by status (empty matches all), oldest first.
func (q *queue) list(status Status) []*Request {
	var out []*Request
	for _, req := range q.entries {
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
