package taint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/code-audit/sirius"
)

func source() Candidate {
	return Candidate{RuleID: "js.express-req-body", FilePath: "src/controller.js", Line: 3,
		Role: sirius.RoleSource, Function: "createUser", Severity: sirius.SeverityInfo}
}

func call(method string) Candidate {
	return Candidate{RuleID: "js.service-call", FilePath: "src/controller.js", Line: 5,
		Role: sirius.RoleCall, Function: "createUser", Receiver: "svc", Method: method}
}

func sink(file, method string) Candidate {
	return Candidate{RuleID: "js.sql-injection", RuleName: "SQL injection", FilePath: file, Line: 12,
		Role: sirius.RoleSink, Method: method, Severity: sirius.SeverityHigh, CWE: "CWE-89"}
}

func TestLinkSourceCallSinkAcrossFiles(t *testing.T) {
	findings := Link([]Candidate{source(), call("save"), sink("src/userService.js", "save")})
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, "crossfile-taint.js.sql-injection", f.RuleID)
	assert.Equal(t, sirius.SeverityCritical, f.Severity, "unsanitized source escalates the sink severity")
	assert.Equal(t, "CWE-89", f.CWE)
	require.Len(t, f.Locations, 3)
	assert.Equal(t, "src/controller.js", f.Locations[0].FilePath)
	assert.Equal(t, sirius.RoleCall, f.Locations[1].Role)
	assert.Equal(t, "svc.save", f.Locations[1].Symbol)
	assert.Equal(t, "src/userService.js", f.Locations[2].FilePath)
}

func TestLinkSanitizedSourceKeepsSinkSeverity(t *testing.T) {
	src := source()
	src.Sanitized = true
	findings := Link([]Candidate{src, call("save"), sink("src/userService.js", "save")})
	require.Len(t, findings, 1)
	assert.Equal(t, sirius.SeverityHigh, findings[0].Severity)
}

func TestLinkMethodNameMismatch(t *testing.T) {
	findings := Link([]Candidate{source(), call("save"), sink("src/userService.js", "persist")})
	assert.Empty(t, findings)
}

func TestLinkRequiresAllThreePoints(t *testing.T) {
	full := []Candidate{source(), call("save"), sink("src/userService.js", "save")}
	require.Len(t, Link(full), 1)

	for i := range full {
		var partial []Candidate
		partial = append(partial, full[:i]...)
		partial = append(partial, full[i+1:]...)
		assert.Empty(t, Link(partial), "dropping candidate %d must drop the chain", i)
	}
}

func TestLinkIgnoresSinkInSameFile(t *testing.T) {
	findings := Link([]Candidate{source(), call("save"), sink("src/controller.js", "save")})
	assert.Empty(t, findings)
}

func TestLinkReachability(t *testing.T) {
	early := call("save")
	early.Line = 1
	assert.Empty(t, Link([]Candidate{source(), early, sink("src/userService.js", "save")}), "call above the source")

	other := call("save")
	other.Function = "deleteUser"
	assert.Empty(t, Link([]Candidate{source(), other, sink("src/userService.js", "save")}), "different enclosing function")

	// Without function captures only textual order is checked.
	src, c := source(), call("save")
	src.Function, c.Function = "", ""
	assert.Len(t, Link([]Candidate{src, c, sink("src/userService.js", "save")}), 1)
}

func TestLinkPrefersReceiverNamedFile(t *testing.T) {
	c := call("save")
	c.Receiver = "userSvc"
	findings := Link([]Candidate{
		source(), c,
		sink("src/user_service.js", "save"),
		sink("src/audit.js", "save"),
	})
	require.Len(t, findings, 1)
	assert.Equal(t, "src/user_service.js", findings[0].Locations[2].FilePath)
}

func TestLinkKeepsEqualRankedAmbiguity(t *testing.T) {
	findings := Link([]Candidate{
		source(), call("save"),
		sink("src/orders.js", "save"),
		sink("src/audit.js", "save"),
	})
	require.Len(t, findings, 2)
	files := []string{findings[0].Locations[2].FilePath, findings[1].Locations[2].FilePath}
	assert.ElementsMatch(t, []string{"src/orders.js", "src/audit.js"}, files)
}

func TestLinkDeduplicatesTriples(t *testing.T) {
	findings := Link([]Candidate{
		source(), source(), call("save"), call("save"),
		sink("src/userService.js", "save"),
	})
	assert.Len(t, findings, 1)
}

func TestNamingMatcherScores(t *testing.T) {
	c := Candidate{Receiver: "orderRepository", Method: "save"}
	classMatch := sink("src/a.js", "save")
	classMatch.Receiver = "OrderRepository"
	fileMatch := sink("src/order_store.js", "save")
	plain := sink("src/misc.js", "save")
	wrong := sink("src/order.js", "remove")

	ms := NamingMatcher{}.Match(c, []Candidate{plain, fileMatch, wrong, classMatch})
	require.Len(t, ms, 3)
	assert.Equal(t, 3, ms[0].Score)
	assert.Equal(t, 2, ms[1].Score)
	assert.Equal(t, 1, ms[2].Score)
}

func TestReceiverStem(t *testing.T) {
	cases := map[string]string{
		"userSvc":           "user",
		"this.orderService": "order",
		"paymentClient":     "payment",
		"repo":              "repo",
		"AccountDAO":        "account",
		"$db":               "db",
	}
	for in, want := range cases {
		assert.Equal(t, want, ReceiverStem(in), in)
	}
}

type fixedMatcher struct{ file string }

func (m fixedMatcher) Match(_ Candidate, sinks []Candidate) []Match {
	for _, s := range sinks {
		if s.FilePath == m.file {
			return []Match{{Sink: s, Score: 1}}
		}
	}
	return nil
}

func TestLinkerUsesCustomMatcher(t *testing.T) {
	l := NewLinker(fixedMatcher{file: "src/other.js"})
	findings := l.Link([]Candidate{source(), call("save"), sink("src/userService.js", "persist"), sink("src/other.js", "x")})
	require.Len(t, findings, 1)
	assert.Equal(t, "src/other.js", findings[0].Locations[2].FilePath)
}
