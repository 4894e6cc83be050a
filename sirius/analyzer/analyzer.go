// Package analyzer runs the external static-analysis tool over an unpacked
// tree and turns its JSON report into taint candidates.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/taint"
)

var (
	// ErrToolTimeout means the analyzer did not finish within its timeout.
	ErrToolTimeout = errors.New("analyzer timed out")
	// ErrToolFailed means the analyzer crashed or produced unusable output.
	ErrToolFailed = errors.New("analyzer failed")
)

// Runner invokes the analyzer binary.
type Runner struct {
	Bin     string
	Profile string
	Timeout time.Duration
}

// NewRunner returns a runner for bin using the given rule profile.
func NewRunner(bin, profile string, timeout time.Duration) *Runner {
	return &Runner{Bin: bin, Profile: profile, Timeout: timeout}
}

// Run scans dir. extraConfigs are additional rule files or directories, e.g.
// generated custom rules. File paths in the result are relative to dir.
func (r *Runner) Run(ctx context.Context, dir string, extraConfigs ...string) ([]taint.Candidate, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := []string{"--json", "--config", r.Profile}
	for _, c := range extraConfigs {
		args = append(args, "--config", c)
	}
	args = append(args, dir)

	cmd := exec.CommandContext(ctx, r.Bin, args...)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	slog.Debug("Running analyzer", "bin", r.Bin, "args", args)
	err := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrToolTimeout, r.Timeout)
	}
	if err != nil {
		// Exit status 1 only signals that findings were reported.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			return nil, fmt.Errorf("%w: %v: %s", ErrToolFailed, err, tail(stderr.String(), 20))
		}
	}

	cands, err := Parse(stdout.Bytes(), dir)
	if err != nil {
		return nil, err
	}
	slog.Info("Analyzer finished", "dir", dir, "candidates", len(cands), "duration", time.Since(start).Round(time.Millisecond))
	return cands, nil
}

// tail keeps the last n lines of s for error messages.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// ========================= Report format =========================

type report struct {
	Results []result `json:"results"`
	Errors  []struct {
		Message string `json:"message"`
		Level   string `json:"level"`
	} `json:"errors"`
}

type position struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

type result struct {
	CheckID string   `json:"check_id"`
	Path    string   `json:"path"`
	Start   position `json:"start"`
	End     position `json:"end"`
	Extra   struct {
		Message  string                 `json:"message"`
		Severity string                 `json:"severity"`
		Lines    string                 `json:"lines"`
		Metadata map[string]any         `json:"metadata"`
		Metavars map[string]metavarInfo `json:"metavars"`
	} `json:"extra"`
}

type metavarInfo struct {
	AbstractContent string `json:"abstract_content"`
}

// Parse decodes an analyzer JSON report. Paths are made relative to root
// when they fall inside it.
func Parse(data []byte, root string) ([]taint.Candidate, error) {
	var rep report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("%w: decode report: %v", ErrToolFailed, err)
	}
	for _, e := range rep.Errors {
		slog.Warn("Analyzer reported an error", "level", e.Level, "message", e.Message)
	}

	cands := make([]taint.Candidate, 0, len(rep.Results))
	for _, res := range rep.Results {
		cands = append(cands, toCandidate(res, root))
	}
	return cands, nil
}

func toCandidate(res result, root string) taint.Candidate {
	meta := res.Extra.Metadata
	c := taint.Candidate{
		RuleID:      res.CheckID,
		RuleName:    metaString(meta, "name"),
		Severity:    severity(res.Extra.Severity, meta),
		FilePath:    relPath(res.Path, root),
		Line:        res.Start.Line,
		EndLine:     res.End.Line,
		Message:     strings.TrimSpace(res.Extra.Message),
		CodeSnippet: strings.TrimRight(res.Extra.Lines, "\n"),
		CWE:         metaString(meta, "cwe"),
		CVE:         metaString(meta, "cve"),
		Role:        sirius.ParseRole(metaString(meta, "taint_role")),
		Function:    metavar(res, "$FUNC"),
		Receiver:    metavar(res, "$RECEIVER"),
		Method:      metavar(res, "$METHOD"),
		Sanitized:   metaBool(meta, "sanitized"),
	}
	if c.RuleName == "" {
		c.RuleName = ruleName(res.CheckID)
	}
	if c.EndLine < c.Line {
		c.EndLine = c.Line
	}
	if c.Role == sirius.RoleSink && c.Receiver == "" {
		if class := metaString(meta, "class"); class != "" {
			c.Receiver = class
		} else {
			c.Receiver = metavar(res, "$CLASS")
		}
	}
	return c
}

// severity prefers an explicit metadata severity over the tool's coarse
// ERROR/WARNING/INFO level.
func severity(level string, meta map[string]any) sirius.Severity {
	if s := metaString(meta, "severity"); s != "" {
		return sirius.ParseSeverity(s)
	}
	return sirius.ParseSeverity(level)
}

func metavar(res result, name string) string {
	return strings.TrimSpace(res.Extra.Metavars[name].AbstractContent)
}

// metaString reads a string field; lists (e.g. several CWEs) yield their
// first element.
func metaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func metaBool(meta map[string]any, key string) bool {
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

func relPath(p, root string) string {
	if root != "" {
		if rel, err := filepath.Rel(root, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = rel
		}
	}
	return filepath.ToSlash(p)
}

// ruleName turns "javascript.express.sql-injection" into "sql-injection".
func ruleName(checkID string) string {
	if i := strings.LastIndex(checkID, "."); i >= 0 {
		return checkID[i+1:]
	}
	return path.Base(checkID)
}
