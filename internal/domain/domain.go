package domain

// Work item kinds map one-to-one onto worker capability classes.
const (
	KindLint        = "lint"
	KindBuild       = "build"
	KindTest        = "test"
	KindCoverage    = "coverage"
	KindPerformance = "performance"
	KindAIReview    = "ai-review"
	KindCustom      = "custom"
)

// Work item lifecycle. Transitions are monotonic: queued -> processing ->
// completed|failed. The liveness sweep is the only path back to queued, and it
// increments the retry counter.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Check outcomes for a validation record.
const (
	CheckPassed  = "passed"
	CheckFailed  = "failed"
	CheckSkipped = "skipped"
)

// Approval states extracted from a review document.
const (
	ApprovalApproved     = "approved"
	ApprovalNeedsChanges = "needs_changes"
	ApprovalBlocked      = "blocked"
)

// Merge decision outcomes.
const (
	OutcomeApprove      = "approve"
	OutcomeNeedsChanges = "needs_changes"
	OutcomeBlock        = "block"
)

// Alert levels.
const (
	LevelCritical = "critical"
	LevelError    = "error"
	LevelWarning  = "warning"
	LevelInfo     = "info"
)

type Project struct {
	ID          string `json:"id"`
	Status      string `json:"status" enum:"active,paused,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type WorkItem struct {
	ID             string  `json:"id"`
	Project        string  `json:"project"`
	Kind           string  `json:"kind" enum:"lint,build,test,coverage,performance,ai-review,custom"`
	Description    string  `json:"description,omitempty"`
	Priority       int     `json:"priority"`
	Status         string  `json:"status" enum:"queued,processing,completed,failed"`
	AssignedWorker *string `json:"assigned_worker,omitempty"`
	Retries        int     `json:"retries"`
	Cancelled      bool    `json:"cancelled,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
}

// ValidationRecord is the normalized result of one tool check. Records are
// immutable; a newer record for the same project+check supersedes older ones
// by timestamp, never by arrival order.
type ValidationRecord struct {
	ID        string            `json:"id"`
	Project   string            `json:"project"`
	Timestamp string            `json:"timestamp" format:"date-time"`
	CheckKind string            `json:"check_kind" enum:"lint,build,test,coverage,performance"`
	Status    string            `json:"status" enum:"passed,failed,skipped"`
	Metrics   map[string]string `json:"metrics,omitempty"`
	RawLogRef string            `json:"raw_log_ref,omitempty"`
}

type ReviewVerdict struct {
	ID            string `json:"id"`
	Project       string `json:"project"`
	Timestamp     string `json:"timestamp" format:"date-time"`
	ApprovalState string `json:"approval_state" enum:"approved,needs_changes,blocked"`
	CriticalCount int    `json:"critical_count"`
	MajorCount    int    `json:"major_count"`
	MinorCount    int    `json:"minor_count"`
	SourceDocRef  string `json:"source_doc_ref,omitempty"`
}

type AlertEvent struct {
	ID        string `json:"id"`
	Level     string `json:"level" enum:"critical,error,warning,info"`
	Project   string `json:"project"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Message   string `json:"message"`
}

// MergeDecision is self-contained: Reasons explain the outcome and Inputs
// reference every record, verdict and alert the evaluation consumed.
type MergeDecision struct {
	ID        string   `json:"id"`
	Project   string   `json:"project"`
	Timestamp string   `json:"timestamp" format:"date-time"`
	Outcome   string   `json:"outcome" enum:"approve,needs_changes,block"`
	Strict    bool     `json:"strict"`
	Reasons   []string `json:"reasons"`
	Inputs    []string `json:"inputs_considered,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidWorkKind reports whether kind names a recognized work item kind.
func ValidWorkKind(kind string) bool {
	switch kind {
	case KindLint, KindBuild, KindTest, KindCoverage, KindPerformance, KindAIReview, KindCustom:
		return true
	}
	return false
}

// CheckKinds lists the validation check kinds in gate-report order.
func CheckKinds() []string {
	return []string{KindLint, KindBuild, KindTest, KindCoverage, KindPerformance}
}

// CapabilityFor maps a work item kind to the worker capability class that may
// execute it.
func CapabilityFor(kind string) string {
	switch kind {
	case KindLint:
		return "lint-worker"
	case KindBuild:
		return "build-worker"
	case KindTest:
		return "test-worker"
	case KindCoverage:
		return "coverage-worker"
	case KindPerformance:
		return "perf-worker"
	case KindAIReview:
		return "review-worker"
	default:
		return "general-worker"
	}
}
