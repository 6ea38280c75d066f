// Package review extracts a structured verdict from a free-form review
// document. Extract is a pure function of the document text: the same input
// always produces the same verdict.
package review

import (
	"regexp"
	"strconv"
	"strings"

	"gatekeeper/internal/domain"
)

// Verdict is the extraction result before it is stamped and persisted.
type Verdict struct {
	ApprovalState string
	CriticalCount int
	MajorCount    int
	MinorCount    int
}

var (
	criticalRe = regexp.MustCompile(`(?im)^\s*(?:-\s*)?critical(?:\s+issues)?\s*:\s*(\d+)\s*$`)
	majorRe    = regexp.MustCompile(`(?im)^\s*(?:-\s*)?major(?:\s+issues)?\s*:\s*(\d+)\s*$`)
	minorRe    = regexp.MustCompile(`(?im)^\s*(?:-\s*)?minor(?:\s+issues)?\s*:\s*(\d+)\s*$`)

	verdictLineRe = regexp.MustCompile(`(?im)^\s*(?:final\s+)?(?:verdict|decision|status|approval)\s*:\s*(.+?)\s*$`)
)

// Extract parses documentText into a Verdict. Missing or ambiguous severity
// counts default to zero. A missing or unrecognized approval token forces
// blocked: absence of a clear verdict is never approval.
func Extract(documentText string) Verdict {
	return Verdict{
		ApprovalState: extractApproval(documentText),
		CriticalCount: extractCount(criticalRe, documentText),
		MajorCount:    extractCount(majorRe, documentText),
		MinorCount:    extractCount(minorRe, documentText),
	}
}

func extractCount(re *regexp.Regexp, text string) int {
	m := re.FindAllStringSubmatch(text, -1)
	if len(m) != 1 {
		// Absent or repeated with no way to pick one: treat as zero.
		return 0
	}
	n, err := strconv.Atoi(m[0][1])
	if err != nil {
		return 0
	}
	return n
}

func extractApproval(text string) string {
	// Prefer an explicit verdict line; fall back to a bare token anywhere in
	// the document.
	if m := verdictLineRe.FindStringSubmatch(text); m != nil {
		if state, ok := approvalToken(m[1]); ok {
			return state
		}
		return domain.ApprovalBlocked
	}
	for _, line := range strings.Split(text, "\n") {
		if state, ok := approvalToken(line); ok {
			return state
		}
	}
	return domain.ApprovalBlocked
}

func approvalToken(s string) (string, bool) {
	token := strings.ToUpper(strings.TrimSpace(s))
	token = strings.Trim(token, "*_`.! ")
	switch token {
	case "APPROVED", "APPROVE", "LGTM":
		return domain.ApprovalApproved, true
	case "NEEDS_CHANGES", "NEEDS CHANGES", "CHANGES_REQUESTED", "CHANGES REQUESTED", "REQUEST_CHANGES":
		return domain.ApprovalNeedsChanges, true
	case "BLOCKED", "BLOCK", "REJECTED", "REJECT":
		return domain.ApprovalBlocked, true
	}
	return "", false
}
