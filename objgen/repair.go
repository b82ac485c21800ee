// This file implements best-effort repair of malformed model JSON output.
package objgen

import (
	"context"
	"regexp"
	"strings"
)

// RepairFunc transforms raw text that failed parse or validation into a
// new candidate. Returning an error declines repair and terminates the
// loop early; returning the text unchanged consumes an attempt.
type RepairFunc func(ctx context.Context, text string, cause error) (string, error)

var (
	fenceOpen     = regexp.MustCompile("(?s)^```(?:json)?\\s*")
	fenceClose    = regexp.MustCompile("(?s)\\s*```\\s*$")
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// DefaultRepair strips common wrappings models add around JSON: markdown
// code fences, leading prose before the first brace or bracket, trailing
// prose after the last, and trailing commas. Best effort, not a parser.
func DefaultRepair(_ context.Context, text string, _ error) (string, error) {
	repaired := strings.TrimSpace(text)

	repaired = fenceOpen.ReplaceAllString(repaired, "")
	repaired = fenceClose.ReplaceAllString(repaired, "")
	repaired = strings.TrimSpace(repaired)

	// Models often preface JSON with prose ("Here is the object:").
	// Cut to the outermost JSON-looking span.
	if start := strings.IndexAny(repaired, "{["); start > 0 {
		repaired = repaired[start:]
	}
	if end := strings.LastIndexAny(repaired, "}]"); end >= 0 && end < len(repaired)-1 {
		repaired = repaired[:end+1]
	}

	repaired = trailingComma.ReplaceAllString(repaired, "$1")

	return repaired, nil
}
