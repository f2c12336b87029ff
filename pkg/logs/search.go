package logs

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/drover-sh/drover/pkg/droverr"
)

// DefaultMaxResults bounds a search when the caller does not.
const DefaultMaxResults = 100

// Match is one search hit.
type Match struct {
	LineNumber int    `json:"line_number"`
	Content    string `json:"content"`
}

// SearchOptions tunes a log search.
type SearchOptions struct {
	CaseInsensitive bool
	MaxResults      int
}

// Search scans the active log for pattern, which is treated as a regular
// expression when it compiles and as a literal otherwise. The result set
// is bounded.
func (m *Manager) Search(sessionID, pattern string, opts SearchOptions) ([]Match, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}

	matcher := buildMatcher(pattern, opts.CaseInsensitive)

	f, err := os.Open(m.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, droverr.New(droverr.CodeNotFound, "no log for session %s", sessionID)
		}
		return nil, droverr.ClassifyFilesystem("open log for search", err)
	}
	defer f.Close()

	var matches []Match
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if matcher(line) {
			matches = append(matches, Match{LineNumber: lineNo, Content: line})
			if len(matches) >= opts.MaxResults {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return matches, droverr.ClassifyFilesystem("scan log", err)
	}
	return matches, nil
}

func buildMatcher(pattern string, caseInsensitive bool) func(string) bool {
	expr := pattern
	if caseInsensitive {
		expr = "(?i)" + expr
	}
	if re, err := regexp.Compile(expr); err == nil {
		return re.MatchString
	}

	// Fall back to a literal substring match.
	if caseInsensitive {
		needle := strings.ToLower(pattern)
		return func(line string) bool {
			return strings.Contains(strings.ToLower(line), needle)
		}
	}
	return func(line string) bool {
		return strings.Contains(line, pattern)
	}
}
