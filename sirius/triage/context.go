package triage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/SiriusScan/code-audit/sirius"
)

const (
	narrowRadius = 8
	wideRadius   = 40

	narrowBudget = 16 << 10
	wideBudget   = 96 << 10
)

// BuildContext extracts source around locs from the unpacked tree at root.
// The narrow window covers the primary location only; deep mode covers every
// location of a chain with a wider radius.
func BuildContext(root string, locs []sirius.Location, deep bool) string {
	if len(locs) == 0 {
		return ""
	}
	radius, budget := narrowRadius, narrowBudget
	if deep {
		radius, budget = wideRadius, wideBudget
	} else {
		locs = locs[:1]
	}

	var b strings.Builder
	for _, loc := range locs {
		snippet, err := window(filepath.Join(root, filepath.FromSlash(loc.FilePath)), loc.Line, radius)
		if err != nil {
			continue
		}
		section := fmt.Sprintf("// %s:%d\n%s\n", loc.FilePath, loc.Line, snippet)
		if b.Len()+len(section) > budget {
			break
		}
		b.WriteString(section)
	}
	return b.String()
}

// window returns the lines [line-radius, line+radius] of the file, numbered.
func window(path string, line, radius int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	from, to := line-radius, line+radius
	var b strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for n := 1; sc.Scan(); n++ {
		if n < from {
			continue
		}
		if n > to {
			break
		}
		fmt.Fprintf(&b, "%5d  %s\n", n, sc.Text())
	}
	return b.String(), sc.Err()
}
