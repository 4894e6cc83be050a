package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
	"github.com/SiriusScan/code-audit/sirius/store"
)

// DiffCalculator matches the findings of a scan against the previous
// completed scan of the same project.
//
// A fingerprint is sha256(ruleId | path | anchor). The anchor is the
// whitespace-collapsed code snippet when there is one, otherwise the line
// bucket line/LineBucket; synthetic findings anchor on their chain. Findings
// whose fingerprints differ are still paired when rule and path agree and the
// lines are within LineTolerance of each other, nearest first.
type DiffCalculator struct {
	LineBucket    int
	LineTolerance int
}

// NewDiffCalculator returns a calculator, defaulting bucket 10 and tolerance 5.
func NewDiffCalculator(lineBucket, lineTolerance int) *DiffCalculator {
	if lineBucket <= 0 {
		lineBucket = 10
	}
	if lineTolerance < 0 {
		lineTolerance = 5
	}
	return &DiffCalculator{LineBucket: lineBucket, LineTolerance: lineTolerance}
}

// Pair is a current finding matched to its previous occurrence.
type Pair struct {
	Current  *models.Finding
	Previous *models.Finding
}

// DiffResult partitions two finding sets.
type DiffResult struct {
	New       []*models.Finding
	Recurring []Pair
	Fixed     []*models.Finding
}

// Fingerprint computes the stable identity of f.
func (dc *DiffCalculator) Fingerprint(f *models.Finding) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", f.RuleID, normalizePath(f.FilePath), dc.anchor(f))
	return hex.EncodeToString(h.Sum(nil))
}

func (dc *DiffCalculator) anchor(f *models.Finding) string {
	if f.Synthetic {
		if locs, err := f.DecodeLocations(); err == nil && len(locs) > 0 {
			parts := make([]string, 0, len(locs))
			for _, l := range locs {
				parts = append(parts, normalizePath(l.FilePath)+"#"+l.Symbol)
			}
			return "chain:" + strings.Join(parts, ">")
		}
	}
	if s := collapseSpace(f.CodeSnippet); s != "" {
		return "code:" + s
	}
	return fmt.Sprintf("line:%d", f.Line/dc.LineBucket)
}

// Diff fills Fingerprint and DiffStatus on every current finding and returns
// the new, recurring and fixed sets. Previous findings without a stored
// fingerprint get one computed.
func (dc *DiffCalculator) Diff(current, previous []models.Finding) DiffResult {
	for i := range current {
		current[i].Fingerprint = dc.Fingerprint(&current[i])
	}
	for i := range previous {
		if previous[i].Fingerprint == "" {
			previous[i].Fingerprint = dc.Fingerprint(&previous[i])
		}
	}

	matchedCur := make([]int, len(current))
	for i := range matchedCur {
		matchedCur[i] = -1
	}
	usedPrev := make([]bool, len(previous))

	// Exact fingerprints first; duplicates pair with the nearest line.
	byFP := make(map[string][]int)
	for j := range previous {
		byFP[previous[j].Fingerprint] = append(byFP[previous[j].Fingerprint], j)
	}
	for i := range current {
		best := -1
		for _, j := range byFP[current[i].Fingerprint] {
			if usedPrev[j] {
				continue
			}
			if best < 0 || absInt(previous[j].Line-current[i].Line) < absInt(previous[best].Line-current[i].Line) {
				best = j
			}
		}
		if best >= 0 {
			matchedCur[i] = best
			usedPrev[best] = true
		}
	}

	// Tie-break among leftovers: nearest line, then the closer snippet.
	type candidate struct{ cur, prev, dist, edit int }
	var cands []candidate
	for i := range current {
		if matchedCur[i] >= 0 {
			continue
		}
		for j := range previous {
			if usedPrev[j] || previous[j].RuleID != current[i].RuleID ||
				normalizePath(previous[j].FilePath) != normalizePath(current[i].FilePath) {
				continue
			}
			if d := absInt(previous[j].Line - current[i].Line); d <= dc.LineTolerance {
				cands = append(cands, candidate{i, j, d, snippetDistance(&current[i], &previous[j])})
			}
		}
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].dist != cands[b].dist {
			return cands[a].dist < cands[b].dist
		}
		if cands[a].edit != cands[b].edit {
			return cands[a].edit < cands[b].edit
		}
		if cands[a].cur != cands[b].cur {
			return cands[a].cur < cands[b].cur
		}
		return cands[a].prev < cands[b].prev
	})
	for _, c := range cands {
		if matchedCur[c.cur] >= 0 || usedPrev[c.prev] {
			continue
		}
		matchedCur[c.cur] = c.prev
		usedPrev[c.prev] = true
	}

	var res DiffResult
	for i := range current {
		if j := matchedCur[i]; j >= 0 {
			current[i].DiffStatus = models.DiffRecurring
			res.Recurring = append(res.Recurring, Pair{Current: &current[i], Previous: &previous[j]})
			continue
		}
		current[i].DiffStatus = models.DiffNew
		res.New = append(res.New, &current[i])
	}
	for j := range previous {
		if !usedPrev[j] {
			res.Fixed = append(res.Fixed, &previous[j])
		}
	}
	return res
}

// FixedRecords turns the fixed set into rows for taskID.
func (r DiffResult) FixedRecords(taskID, previousTaskID string) []models.FixedFinding {
	out := make([]models.FixedFinding, 0, len(r.Fixed))
	for _, f := range r.Fixed {
		out = append(out, models.FixedFinding{
			TaskID:            taskID,
			PreviousTaskID:    previousTaskID,
			PreviousFindingID: f.ID,
			Fingerprint:       f.Fingerprint,
			RuleID:            f.RuleID,
			FilePath:          f.FilePath,
			Line:              f.Line,
			Severity:          f.Severity,
		})
	}
	return out
}

// NetRiskScore sums severity weights over findings not triaged as false
// positives.
func NetRiskScore(findings []models.Finding) float64 {
	var score float64
	for i := range findings {
		if isFalsePositive(&findings[i]) {
			continue
		}
		score += findings[i].Severity.Weight()
	}
	return score
}

// CountFindings tallies open findings by severity.
func CountFindings(findings []models.Finding) store.FindingCounts {
	var c store.FindingCounts
	for i := range findings {
		if isFalsePositive(&findings[i]) {
			continue
		}
		c.Total++
		switch findings[i].Severity {
		case sirius.SeverityCritical:
			c.Critical++
		case sirius.SeverityHigh:
			c.High++
		case sirius.SeverityMedium:
			c.Medium++
		case sirius.SeverityLow:
			c.Low++
		default:
			c.Informational++
		}
	}
	return c
}

// BuildSnapshot summarizes a completed scan for the trend store.
func BuildSnapshot(projectID, taskID, previousTaskID string, findings []models.Finding, diff DiffResult, started time.Time) *store.ScanSnapshot {
	snap := &store.ScanSnapshot{
		SnapshotID: taskID,
		ProjectID:  projectID,
		Timestamp:  time.Now().UTC(),
		Counts:     CountFindings(findings),
		Diff: store.DiffCounts{
			PreviousTaskID: previousTaskID,
			New:            len(diff.New),
			Fixed:          len(diff.Fixed),
			Recurring:      len(diff.Recurring),
			NetRiskScore:   NetRiskScore(findings),
		},
	}
	for i := range findings {
		if findings[i].Synthetic {
			snap.Metadata.SyntheticFindings++
		}
		if isFalsePositive(&findings[i]) {
			snap.Metadata.FalsePositives++
		}
	}
	snap.Metadata.SnapshotDurationMs = time.Since(started).Milliseconds()
	return snap
}

func isFalsePositive(f *models.Finding) bool {
	a, err := f.DecodeAnalysis()
	if err != nil {
		return false
	}
	verdict := a.Triage
	if a.DoubleCheck != nil && a.DoubleCheck.Triage != "" && a.DoubleCheck.Triage != sirius.TriageUnknown {
		verdict = a.DoubleCheck.Triage
	}
	return verdict == sirius.TriageFalsePositive
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// snippetDistance is zero when either side has no snippet.
func snippetDistance(a, b *models.Finding) int {
	sa, sb := collapseSpace(a.CodeSnippet), collapseSpace(b.CodeSnippet)
	if sa == "" || sb == "" {
		return 0
	}
	return levenshtein.ComputeDistance(sa, sb)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
