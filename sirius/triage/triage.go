// Package triage is the client for the AI service that reviews findings and
// turns plain-language descriptions into analyzer rules.
package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/SiriusScan/code-audit/sirius"
)

var (
	ErrUnavailable = errors.New("triage service unavailable")
	ErrInvalidRule = errors.New("generated rule is invalid")
)

// Finding is what the service sees of a finding.
type Finding struct {
	RuleID      string            `json:"rule_id"`
	RuleName    string            `json:"rule_name"`
	Severity    sirius.Severity   `json:"severity"`
	FilePath    string            `json:"file_path"`
	Line        int               `json:"line"`
	CWE         string            `json:"cwe,omitempty"`
	Message     string            `json:"message"`
	CodeSnippet string            `json:"code_snippet,omitempty"`
	Synthetic   bool              `json:"synthetic"`
	Locations   []sirius.Location `json:"locations,omitempty"`
}

// Request is one /analyze call.
type Request struct {
	Finding Finding `json:"finding"`
	Context string  `json:"context"`
	Model   string  `json:"model,omitempty"`
}

// Result is the service verdict. Degraded results were produced locally
// because the call failed.
type Result struct {
	Triage         string `json:"triage"`
	Reasoning      string `json:"reasoning"`
	Recommendation string `json:"recommendation"`
	Model          string `json:"model"`
	Degraded       bool   `json:"-"`
	Error          string `json:"-"`
}

// Analyzer triages a single finding.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

// RuleGenerator turns a description into analyzer rule YAML.
type RuleGenerator interface {
	GenerateRule(ctx context.Context, description string) (string, error)
}

// Client talks to the triage service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	var res Result
	if err := c.post(ctx, "/analyze", req, &res); err != nil {
		return res, err
	}
	res.Triage = normalizeVerdict(res.Triage)
	if res.Model == "" {
		res.Model = req.Model
	}
	return res, nil
}

type ruleRequest struct {
	Description string `json:"description"`
}

type ruleResponse struct {
	Rule string `json:"rule"`
}

// GenerateRule returns the generated YAML after checking it parses.
func (c *Client) GenerateRule(ctx context.Context, description string) (string, error) {
	var res ruleResponse
	if err := c.post(ctx, "/generate-rule", ruleRequest{Description: description}, &res); err != nil {
		return "", err
	}
	if err := ValidateRule(res.Rule); err != nil {
		return "", err
	}
	return res.Rule, nil
}

func (c *Client) post(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrUnavailable, endpoint, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: failed to unmarshal JSON: %v", ErrUnavailable, err)
	}
	return nil
}

func normalizeVerdict(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case sirius.TriageTruePositive:
		return sirius.TriageTruePositive
	case sirius.TriageFalsePositive:
		return sirius.TriageFalsePositive
	case sirius.TriageNeedsReview:
		return sirius.TriageNeedsReview
	default:
		return sirius.TriageUnknown
	}
}

// ========================= Rule validation =========================

type ruleFile struct {
	Rules []struct {
		ID        string   `yaml:"id"`
		Message   string   `yaml:"message"`
		Severity  string   `yaml:"severity"`
		Languages []string `yaml:"languages"`
	} `yaml:"rules"`
}

// ValidateRule checks that text is a rule document with at least one rule,
// each carrying an id, message and languages.
func ValidateRule(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRule)
	}
	var rf ruleFile
	if err := yaml.Unmarshal([]byte(text), &rf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if len(rf.Rules) == 0 {
		return fmt.Errorf("%w: no rules defined", ErrInvalidRule)
	}
	for i, r := range rf.Rules {
		if r.ID == "" || r.Message == "" || len(r.Languages) == 0 {
			return fmt.Errorf("%w: rule %d missing id, message or languages", ErrInvalidRule, i)
		}
	}
	return nil
}

// ========================= Batches =========================

// Degraded is the local stand-in for a verdict the service could not give.
func Degraded(model string, err error) Result {
	return Result{
		Triage:   sirius.TriageUnknown,
		Model:    model,
		Degraded: true,
		Error:    err.Error(),
	}
}

// AnalyzeAll triages reqs with at most workers calls in flight, each bounded
// by perCall. Failed calls produce degraded results; the batch never fails.
// Results are returned in request order.
func AnalyzeAll(ctx context.Context, a Analyzer, reqs []Request, workers int, perCall time.Duration) []Result {
	results := make([]Result, len(reqs))
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, req := range reqs {
		g.Go(func() error {
			callCtx := gctx
			if perCall > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, perCall)
				defer cancel()
			}
			res, err := a.Analyze(callCtx, req)
			if err != nil {
				slog.Warn("Triage failed, keeping finding with degraded analysis",
					"rule_id", req.Finding.RuleID, "file", req.Finding.FilePath, "error", err)
				res = Degraded(req.Model, err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RuleOutcome is the result of generating one custom rule.
type RuleOutcome struct {
	Description string
	YAML        string
	Err         error
}

// GenerateRules generates every description, itemizing failures.
func GenerateRules(ctx context.Context, gen RuleGenerator, descriptions []string, workers int, perCall time.Duration) []RuleOutcome {
	out := make([]RuleOutcome, len(descriptions))
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, desc := range descriptions {
		g.Go(func() error {
			callCtx := gctx
			if perCall > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, perCall)
				defer cancel()
			}
			y, err := gen.GenerateRule(callCtx, desc)
			if err != nil {
				slog.Warn("Custom rule generation failed", "description", desc, "error", err)
			}
			out[i] = RuleOutcome{Description: desc, YAML: y, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
