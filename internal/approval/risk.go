// Package approval gates risky tool invocations behind a persistent
// approval queue: a deterministic risk score decides whether a call
// proceeds immediately or blocks until an external decision arrives.
package approval

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

// RiskVersion tags assessments so stored scores can be re-derived when
// the weighting changes.
const RiskVersion = "risk-v1"

// Operation describes a candidate tool invocation.
type Operation struct {
	Actor string
	Tool  string
	// Kind is one of read/write/edit/delete/shell/network.
	Kind      string
	Target    string
	DiffBytes int
}

// Assessment is the scored outcome. Identical operations always produce
// identical assessments, reasons included, in the same order.
type Assessment struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
	Version string   `json:"version"`
}

// Policy holds the scoring inputs that vary per profile.
type Policy struct {
	Threshold      float64
	SensitivePaths []string
	ProtectTests   bool
}

var kindWeights = map[string]float64{
	"read":    0,
	"write":   0.2,
	"edit":    0.2,
	"delete":  0.5,
	"shell":   0.45,
	"network": 0.35,
}

const (
	sensitivePathWeight = 0.4
	testPathWeight      = 0.25
	largeDiffWeight     = 0.15
	hugeDiffWeight      = 0.25

	largeDiffBytes = 10 * 1024
	hugeDiffBytes  = 100 * 1024
)

// Assess scores an operation against the policy. The function is pure:
// no clock, no randomness, no I/O.
func Assess(op Operation, policy Policy) Assessment {
	score := 0.0
	var reasons []string

	if w, ok := kindWeights[op.Kind]; ok && w > 0 {
		score += w
		reasons = append(reasons, fmt.Sprintf("operation kind %q", op.Kind))
	}

	if op.Target != "" {
		if pattern := matchSensitive(op.Target, policy.SensitivePaths); pattern != "" {
			score += sensitivePathWeight
			reasons = append(reasons, fmt.Sprintf("sensitive path matches %q", pattern))
		}
		if policy.ProtectTests && isTestPath(op.Target) && op.Kind != "read" {
			score += testPathWeight
			reasons = append(reasons, "modifies protected test path")
		}
	}

	switch {
	case op.DiffBytes >= hugeDiffBytes:
		score += hugeDiffWeight
		reasons = append(reasons, fmt.Sprintf("very large diff (%d bytes)", op.DiffBytes))
	case op.DiffBytes >= largeDiffBytes:
		score += largeDiffWeight
		reasons = append(reasons, fmt.Sprintf("large diff (%d bytes)", op.DiffBytes))
	}

	// Weights are hundredths; rounding keeps sums like 0.2+0.4 exact so
	// stored scores and threshold comparisons are stable.
	score = math.Round(score*100) / 100
	if score > 1 {
		score = 1
	}
	return Assessment{Score: score, Reasons: reasons, Version: RiskVersion}
}

// matchSensitive returns the first matching pattern. Patterns match the
// full relative path or its base name, so ".env*" catches ".env.secret"
// anywhere in the tree.
func matchSensitive(target string, patterns []string) string {
	clean := filepath.ToSlash(filepath.Clean(target))
	base := filepath.Base(clean)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, clean); ok {
			return pattern
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := filepath.Match(pattern, base); ok {
				return pattern
			}
		}
	}
	return ""
}

func isTestPath(target string) bool {
	clean := filepath.ToSlash(filepath.Clean(target))
	base := filepath.Base(clean)
	if strings.HasSuffix(base, "_test.go") || strings.HasPrefix(base, "test_") {
		return true
	}
	for _, part := range strings.Split(clean, "/") {
		if part == "test" || part == "tests" || part == "__tests__" || part == "testdata" {
			return true
		}
	}
	return false
}
