// Package taint stitches per-file source, call and sink matches into
// synthetic cross-file findings.
//
// The linker is heuristic. It has no type information, only the metavariables
// the analyzer captured for each match, so two files declaring a method of the
// same name can both be linked, and a chain whose metavariables were not
// captured is missed.
package taint

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/SiriusScan/code-audit/sirius"
)

// RulePrefix marks synthetic finding rule ids.
const RulePrefix = "crossfile-taint."

// Candidate is one analyzer match tagged with its cross-file role.
type Candidate struct {
	RuleID      string
	RuleName    string
	Severity    sirius.Severity
	FilePath    string
	Line        int
	EndLine     int
	Message     string
	CodeSnippet string
	CWE         string
	CVE         string
	Role        sirius.Role

	// Function is the enclosing function or method ($FUNC).
	Function string
	// Receiver is the object a call is made on ($RECEIVER), or the declaring
	// class of a sink.
	Receiver string
	// Method is the invoked method for calls and the declared method for sinks.
	Method string
	// Sanitized is set by rules that see a sanitizer on the source path.
	Sanitized bool
}

// DeclaredMethod is the method name a sink declares.
func (c Candidate) DeclaredMethod() string {
	if c.Method != "" {
		return c.Method
	}
	return c.Function
}

// Match is a sink ranked for a call. Higher scores are better.
type Match struct {
	Sink  Candidate
	Score int
}

// Matcher ranks the sinks a call could reach. Implementations return matches
// best first; only the top-scoring tier is linked.
type Matcher interface {
	Match(call Candidate, sinks []Candidate) []Match
}

// Chain is one source -> call -> sink path.
type Chain struct {
	Source Candidate
	Call   Candidate
	Sink   Candidate
}

// Finding is a synthetic cross-file finding built from a Chain.
type Finding struct {
	RuleID    string
	RuleName  string
	Severity  sirius.Severity
	FilePath  string
	Line      int
	Message   string
	CWE       string
	Locations []sirius.Location
	Chain     Chain
}

// Linker turns tagged candidates into synthetic findings.
type Linker struct {
	matcher Matcher
}

// NewLinker returns a linker using m, or NamingMatcher when m is nil.
func NewLinker(m Matcher) *Linker {
	if m == nil {
		m = NamingMatcher{}
	}
	return &Linker{matcher: m}
}

// Link returns one synthetic finding per distinct source, call and sink triple
// spanning at least two files. Sources or calls without a matching sink yield
// nothing.
func (l *Linker) Link(candidates []Candidate) []Finding {
	byFile := make(map[string][]Candidate)
	var files []string
	for _, c := range candidates {
		if c.Role == sirius.RoleNone {
			continue
		}
		if _, ok := byFile[c.FilePath]; !ok {
			files = append(files, c.FilePath)
		}
		byFile[c.FilePath] = append(byFile[c.FilePath], c)
	}
	sort.Strings(files)

	seen := make(map[string]bool)
	var out []Finding
	for _, file := range files {
		for _, src := range filterRole(byFile[file], sirius.RoleSource) {
			for _, call := range filterRole(byFile[file], sirius.RoleCall) {
				if !reachable(src, call) {
					continue
				}
				sinks := sinksOutside(byFile, files, file)
				for _, m := range topTier(l.matcher.Match(call, sinks)) {
					ch := Chain{Source: src, Call: call, Sink: m.Sink}
					key := chainKey(ch)
					if seen[key] {
						continue
					}
					seen[key] = true
					out = append(out, newFinding(ch))
				}
			}
		}
	}
	return out
}

// Link runs the default naming matcher.
func Link(candidates []Candidate) []Finding {
	return NewLinker(nil).Link(candidates)
}

func filterRole(cs []Candidate, role sirius.Role) []Candidate {
	var out []Candidate
	for _, c := range cs {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

func sinksOutside(byFile map[string][]Candidate, files []string, exclude string) []Candidate {
	var out []Candidate
	for _, f := range files {
		if f == exclude {
			continue
		}
		out = append(out, filterRole(byFile[f], sirius.RoleSink)...)
	}
	return out
}

// reachable approximates "the call sees the source's data": same enclosing
// function when both know it, and the call is not above the source.
func reachable(src, call Candidate) bool {
	if src.Function != "" && call.Function != "" && src.Function != call.Function {
		return false
	}
	return call.Line >= src.Line
}

func topTier(ms []Match) []Match {
	if len(ms) == 0 {
		return nil
	}
	best := ms[0].Score
	for _, m := range ms[1:] {
		if m.Score > best {
			best = m.Score
		}
	}
	var out []Match
	for _, m := range ms {
		if m.Score == best {
			out = append(out, m)
		}
	}
	return out
}

func chainKey(ch Chain) string {
	point := func(c Candidate) string { return fmt.Sprintf("%s:%d:%s", c.FilePath, c.Line, c.RuleID) }
	return point(ch.Source) + "|" + point(ch.Call) + "|" + point(ch.Sink)
}

func newFinding(ch Chain) Finding {
	sev := ch.Sink.Severity
	if !ch.Source.Sanitized {
		sev = sev.Escalate()
	}
	name := ch.Sink.RuleName
	if name == "" {
		name = ch.Sink.RuleID
	}
	return Finding{
		RuleID:   RulePrefix + ch.Sink.RuleID,
		RuleName: "Cross-file " + name,
		Severity: sev,
		FilePath: ch.Source.FilePath,
		Line:     ch.Source.Line,
		Message: fmt.Sprintf("Input from %s:%d reaches %s.%s in %s:%d",
			ch.Source.FilePath, ch.Source.Line, ch.Call.Receiver, ch.Call.Method, ch.Sink.FilePath, ch.Sink.Line),
		CWE: ch.Sink.CWE,
		Locations: []sirius.Location{
			{FilePath: ch.Source.FilePath, Line: ch.Source.Line, Role: sirius.RoleSource, Symbol: ch.Source.Function},
			{FilePath: ch.Call.FilePath, Line: ch.Call.Line, Role: sirius.RoleCall, Symbol: callSymbol(ch.Call)},
			{FilePath: ch.Sink.FilePath, Line: ch.Sink.Line, Role: sirius.RoleSink, Symbol: ch.Sink.DeclaredMethod()},
		},
		Chain: ch,
	}
}

func callSymbol(c Candidate) string {
	if c.Receiver == "" {
		return c.Method
	}
	return c.Receiver + "." + c.Method
}

// ========================= NamingMatcher =========================

var receiverSuffixes = []string{"repository", "service", "client", "impl", "repo", "svc", "dao"}

// NamingMatcher links a call to sinks declaring the same method name, ranked by
// how well the receiver lines up with the sink:
//
//	3  sink class equals the call receiver (case-insensitive)
//	2  sink file name contains the receiver stem (userSvc -> "user")
//	1  method name only
type NamingMatcher struct{}

func (NamingMatcher) Match(call Candidate, sinks []Candidate) []Match {
	if call.Method == "" {
		return nil
	}
	var out []Match
	for _, s := range sinks {
		if s.DeclaredMethod() != call.Method {
			continue
		}
		out = append(out, Match{Sink: s, Score: receiverScore(call.Receiver, s)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func receiverScore(receiver string, sink Candidate) int {
	if receiver == "" {
		return 1
	}
	if sink.Receiver != "" && strings.EqualFold(sink.Receiver, receiver) {
		return 3
	}
	stem := ReceiverStem(receiver)
	base := strings.ToLower(path.Base(sink.FilePath))
	if stem != "" && strings.Contains(base, stem) {
		return 2
	}
	return 1
}

// ReceiverStem lowercases a receiver identifier and strips common service
// suffixes, e.g. "userRepository" -> "user", "this.orderSvc" -> "order".
func ReceiverStem(receiver string) string {
	r := strings.ToLower(receiver)
	if i := strings.LastIndexAny(r, ".>"); i >= 0 {
		r = r[i+1:]
	}
	r = strings.Trim(r, "_$ ")
	for _, suf := range receiverSuffixes {
		if len(r) > len(suf) && strings.HasSuffix(r, suf) {
			r = strings.TrimSuffix(r, suf)
			break
		}
	}
	return strings.TrimRight(r, "_")
}
