package review_test

import (
	"testing"

	"gatekeeper/internal/review"
)

func TestExtractVerdictLine(t *testing.T) {
	doc := `# Review

The change looks solid overall.

- Critical: 0
- Major: 2
- Minor: 5

Verdict: APPROVED
`
	v := review.Extract(doc)
	if v.ApprovalState != "approved" {
		t.Fatalf("approval = %q, want approved", v.ApprovalState)
	}
	if v.CriticalCount != 0 || v.MajorCount != 2 || v.MinorCount != 5 {
		t.Fatalf("counts = %d/%d/%d", v.CriticalCount, v.MajorCount, v.MinorCount)
	}
}

func TestExtractTokenVariants(t *testing.T) {
	cases := []struct {
		doc  string
		want string
	}{
		{"Decision: LGTM", "approved"},
		{"status: approve", "approved"},
		{"Final verdict: **NEEDS_CHANGES**", "needs_changes"},
		{"Approval: changes requested", "needs_changes"},
		{"Verdict: REJECTED", "blocked"},
		{"some prose\nBLOCKED\nmore prose", "blocked"},
		{"some prose\nLGTM!\nmore prose", "approved"},
	}
	for _, c := range cases {
		if got := review.Extract(c.doc).ApprovalState; got != c.want {
			t.Errorf("Extract(%q).ApprovalState = %q, want %q", c.doc, got, c.want)
		}
	}
}

func TestExtractMissingVerdictBlocks(t *testing.T) {
	v := review.Extract("Looks fine I guess.\nCritical: 1\n")
	if v.ApprovalState != "blocked" {
		t.Fatalf("approval = %q, want blocked when no verdict token present", v.ApprovalState)
	}
	if v.CriticalCount != 1 {
		t.Fatalf("critical = %d, want 1", v.CriticalCount)
	}
}

func TestExtractUnknownVerdictTokenBlocks(t *testing.T) {
	v := review.Extract("Verdict: MAYBE\nCritical: 0\n")
	if v.ApprovalState != "blocked" {
		t.Fatalf("approval = %q, want blocked for unrecognized token", v.ApprovalState)
	}
}

func TestExtractAmbiguousCountsDefaultZero(t *testing.T) {
	doc := "Verdict: APPROVED\nCritical: 2\nCritical: 3\n"
	v := review.Extract(doc)
	if v.CriticalCount != 0 {
		t.Fatalf("critical = %d, want 0 for repeated count lines", v.CriticalCount)
	}
}

func TestExtractDeterministic(t *testing.T) {
	doc := "Verdict: NEEDS CHANGES\nMajor: 4\n"
	first := review.Extract(doc)
	for i := 0; i < 5; i++ {
		if review.Extract(doc) != first {
			t.Fatal("extraction is not deterministic")
		}
	}
}

func TestExtractEmptyDocument(t *testing.T) {
	v := review.Extract("")
	if v.ApprovalState != "blocked" {
		t.Fatalf("approval = %q, want blocked for empty document", v.ApprovalState)
	}
	if v.CriticalCount != 0 || v.MajorCount != 0 || v.MinorCount != 0 {
		t.Fatal("counts should default to zero")
	}
}
