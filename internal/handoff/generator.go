// Package handoff renders the end-of-session summary document: YAML
// front matter with the session facts, markdown body with task
// progress, errors, and modified files, so the next session (or a
// human) can pick up where this one stopped.
package handoff

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/subagent/subagent/internal/analytics"
	"github.com/subagent/subagent/internal/common/fsatomic"
	"github.com/subagent/subagent/internal/common/logger"
)

// frontMatter is the machine-readable header of a handoff document.
type frontMatter struct {
	SessionID       string    `yaml:"session_id"`
	StartedAt       time.Time `yaml:"started_at"`
	EndedAt         time.Time `yaml:"ended_at,omitempty"`
	DurationSeconds int64     `yaml:"duration_seconds"`
	TotalTokens     int64     `yaml:"total_tokens"`
	ExitStatus      string    `yaml:"exit_status,omitempty"`
	EventCount      int       `yaml:"event_count"`
	ErrorCount      int       `yaml:"error_count"`
}

// Generator builds handoff documents from the analytics store.
type Generator struct {
	store *analytics.Store
	log   *logger.Logger
}

// NewGenerator returns a handoff generator over the given store.
func NewGenerator(store *analytics.Store, log *logger.Logger) *Generator {
	return &Generator{store: store, log: log.WithComponent("handoff")}
}

// Write renders the handoff for a session and writes it atomically.
func (g *Generator) Write(ctx context.Context, sessionID, path string) error {
	summary, err := g.store.SessionSummary(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("handoff: %w", err)
	}
	tasks, err := g.store.SessionTasks(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("handoff: %w", err)
	}
	files, err := g.store.ModifiedFiles(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("handoff: %w", err)
	}
	patterns, err := g.store.ErrorPatterns(ctx, 0, 5)
	if err != nil {
		return fmt.Errorf("handoff: %w", err)
	}

	doc, err := render(summary, tasks, files, patterns)
	if err != nil {
		return fmt.Errorf("handoff: %w", err)
	}
	if err := fsatomic.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("handoff: %w", err)
	}
	g.log.Info("Handoff written",
		zap.String("session_id", sessionID),
		zap.Int("tasks", len(tasks)),
		zap.Int("modified_files", len(files)))
	return nil
}

func render(summary *analytics.SessionSummary, tasks []analytics.TaskRow, files []string, patterns []analytics.ErrorPattern) ([]byte, error) {
	front := frontMatter{
		SessionID:   summary.SessionID,
		StartedAt:   summary.StartedAt,
		TotalTokens: summary.TotalTokens,
		ExitStatus:  summary.ExitStatus,
		EventCount:  summary.EventCount,
		ErrorCount:  summary.ErrorCount,
	}
	if summary.EndedAt != nil {
		front.EndedAt = *summary.EndedAt
		front.DurationSeconds = int64(summary.EndedAt.Sub(summary.StartedAt).Seconds())
	}
	header, err := yaml.Marshal(front)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# Session %s\n\n", summary.SessionID)

	b.WriteString("## Tasks\n\n")
	if len(tasks) == 0 {
		b.WriteString("No tasks were tracked in this session.\n")
	}
	for _, task := range tasks {
		title := task.Title
		if title == "" {
			title = task.TaskID
		}
		fmt.Fprintf(&b, "- **%s** (%s) — %.0f%%\n", title, task.Status, task.ProgressPct)
	}

	b.WriteString("\n## Errors\n\n")
	if len(patterns) == 0 {
		b.WriteString("No errors recorded.\n")
	}
	for _, p := range patterns {
		fmt.Fprintf(&b, "- %s ×%d (avg resolution %.0f ms)\n", p.Kind, p.Count, p.AvgResolutionMs)
	}

	b.WriteString("\n## Modified files\n\n")
	if len(files) == 0 {
		b.WriteString("No files were modified.\n")
	}
	for _, f := range files {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}
	return []byte(b.String()), nil
}
