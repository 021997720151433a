package snapshot

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// GitFingerprint identifies the workspace tree at capture time.
type GitFingerprint struct {
	Head  string `json:"head"`
	Dirty bool   `json:"dirty"`
}

const defaultGitTimeout = 2 * time.Second

// gitFingerprint reads HEAD and the dirty flag from the workspace. Each
// git call is bounded by its own timeout; a missing binary, a non-repo
// directory, or a slow call all degrade to nil rather than failing the
// snapshot.
func gitFingerprint(ctx context.Context, workDir string, timeout time.Duration) *GitFingerprint {
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}

	head, err := runGit(ctx, workDir, timeout, "rev-parse", "HEAD")
	if err != nil {
		return nil
	}

	status, err := runGit(ctx, workDir, timeout, "status", "--porcelain")
	if err != nil {
		return &GitFingerprint{Head: head}
	}
	return &GitFingerprint{Head: head, Dirty: status != ""}
}

func runGit(ctx context.Context, workDir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", workDir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
