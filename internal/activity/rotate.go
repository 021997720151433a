package activity

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/subagent/subagent/internal/common/fsatomic"
)

// rotate archives the current log segment as a gzipped part file and
// starts a fresh one. Runs only on the writer goroutine, which owns the
// file handle. Rotation failures leave the current file in place; the
// log keeps growing rather than losing events.
func (l *Logger) rotate() {
	data, err := os.ReadFile(l.cfg.LogPath)
	if err != nil {
		l.log.Error("Rotation aborted, cannot read current segment", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.part++
	part := l.part
	l.mu.Unlock()

	archive := archivePath(l.cfg.LogPath, part)
	if err := fsatomic.WriteFileGzip(archive, data, 0o644); err != nil {
		l.log.Error("Rotation aborted, cannot write archive", zap.Error(err))
		l.mu.Lock()
		l.part--
		l.mu.Unlock()
		return
	}

	if err := l.file.Close(); err != nil {
		l.log.Warn("Failed to close rotated segment", zap.Error(err))
	}
	fresh, err := os.OpenFile(l.cfg.LogPath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		// The archive holds everything written so far; reopen in append
		// mode as a fallback so the writer can continue.
		l.log.Error("Failed to truncate current segment after rotation", zap.Error(err))
		fresh, err = os.OpenFile(l.cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			l.log.Error("Failed to reopen log after rotation", zap.Error(err))
			return
		}
	} else {
		l.size = 0
	}
	l.file = fresh
	l.persistState()
	l.log.Info("Rotated activity log", zap.Int("part", part), zap.String("archive", filepath.Base(archive)))

	if err := pruneArchives(filepath.Dir(l.cfg.LogPath), l.session.ID); err != nil {
		l.log.Warn("Archive retention cleanup failed", zap.Error(err))
	}
}

// archivePath names the gzipped part file for a rotated segment, e.g.
// session_<id>_part003.jsonl.gz next to the live log.
func archivePath(logPath string, part int) string {
	base := strings.TrimSuffix(logPath, ".jsonl")
	return fmt.Sprintf("%s_part%03d.jsonl.gz", base, part)
}

// pruneArchives enforces retention: archives belonging to the current
// session and the most recently started previous session are kept,
// everything older is removed. Session ids sort chronologically by
// construction.
func pruneArchives(dir, currentSession string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	sessions := map[string][]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl.gz") {
			continue
		}
		sid := sessionOfArchive(name)
		if sid == "" {
			continue
		}
		sessions[sid] = append(sessions[sid], filepath.Join(dir, name))
	}

	ids := make([]string, 0, len(sessions))
	for sid := range sessions {
		if sid != currentSession {
			ids = append(ids, sid)
		}
	}
	sort.Strings(ids)

	// Keep the newest previous session, drop the rest.
	if len(ids) <= 1 {
		return nil
	}
	var firstErr error
	for _, sid := range ids[:len(ids)-1] {
		for _, path := range sessions[sid] {
			if err := os.Remove(path); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sessionOfArchive extracts the session id from an archive file name of
// the form session_<id>_partNNN.jsonl.gz.
func sessionOfArchive(name string) string {
	trimmed := strings.TrimPrefix(name, "session_")
	if trimmed == name {
		return ""
	}
	idx := strings.LastIndex(trimmed, "_part")
	if idx < 0 {
		return ""
	}
	return trimmed[:idx]
}
