// Package collector normalizes heterogeneous tool outputs into validation
// records and answers per-project freshness-aware status queries.
package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/config"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/events"
	"gatekeeper/internal/repo"
)

// StatusStale marks a check with no record inside the freshness window. It is
// deliberately distinct from passed and failed: no recent data is never an
// implicit pass.
const StatusStale = "stale"

type Collector struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

// CheckStatus is the freshness-resolved state of one check kind.
type CheckStatus struct {
	CheckKind string                   `json:"check_kind"`
	Status    string                   `json:"status" enum:"passed,failed,skipped,stale"`
	Record    *domain.ValidationRecord `json:"record,omitempty"`
}

// PerProjectStatus maps each check kind to its latest freshness-resolved state.
type PerProjectStatus struct {
	Project string                 `json:"project"`
	Checks  map[string]CheckStatus `json:"checks"`
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Record normalizes rawOutput for project+checkKind into a validation record
// and appends it to the store. Unparsable output yields a failed record with a
// parse_error metric instead of an error: a malformed tool report must not
// stop the pipeline. Numeric gate thresholds from cfg are applied here so the
// stored status already reflects the gate.
func (c *Collector) Record(ctx context.Context, cfg *config.Config, project, checkKind, rawOutput, rawLogRef, actorID string) (domain.ValidationRecord, error) {
	status, metrics := parseOutput(rawOutput)
	if status == domain.CheckPassed {
		if reason := gateViolation(cfg, checkKind, metrics); reason != "" {
			status = domain.CheckFailed
			metrics["gate_violation"] = reason
		}
	}
	t := c.now().UTC()
	rec := domain.ValidationRecord{
		ID:        uuid.NewString(),
		Project:   project,
		Timestamp: t.Format(time.RFC3339),
		CheckKind: checkKind,
		Status:    status,
		Metrics:   metrics,
		RawLogRef: rawLogRef,
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationRecord{}, err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertValidationRecordTx(ctx, tx, rec, t.UnixNano()); err != nil {
		return domain.ValidationRecord{}, err
	}
	if err := c.Events.Append(ctx, tx, "validation.recorded", project, "validation_record", rec.ID, actorID, events.EventPayload{
		"check_kind": checkKind, "status": status,
	}); err != nil {
		return domain.ValidationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationRecord{}, err
	}
	return rec, nil
}

// LatestStatus resolves the newest record per check kind against the freshness
// window. Checks with no record inside the window report stale.
func (c *Collector) LatestStatus(ctx context.Context, cfg *config.Config, project string) (PerProjectStatus, error) {
	window := cfg.ValidationFreshness()
	cutoff := c.now().UTC().Add(-window)
	out := PerProjectStatus{Project: project, Checks: map[string]CheckStatus{}}
	for _, kind := range domain.CheckKinds() {
		rec, err := c.Repo.LatestValidation(ctx, project, kind)
		if err == repo.ErrNotFound {
			out.Checks[kind] = CheckStatus{CheckKind: kind, Status: StatusStale}
			continue
		}
		if err != nil {
			return PerProjectStatus{}, err
		}
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil || ts.Before(cutoff) {
			out.Checks[kind] = CheckStatus{CheckKind: kind, Status: StatusStale}
			continue
		}
		r := rec
		out.Checks[kind] = CheckStatus{CheckKind: kind, Status: rec.Status, Record: &r}
	}
	return out, nil
}

// toolReport is the structured form tools may emit directly.
type toolReport struct {
	Status  string            `json:"status"`
	Metrics map[string]string `json:"metrics"`
}

// parseOutput tries a JSON report first, then a line-oriented fallback.
func parseOutput(raw string) (string, map[string]string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return domain.CheckFailed, map[string]string{"parse_error": "empty output"}
	}
	if strings.HasPrefix(trimmed, "{") {
		var rep toolReport
		if err := json.Unmarshal([]byte(trimmed), &rep); err == nil {
			if status, ok := normalizeStatus(rep.Status); ok {
				metrics := rep.Metrics
				if metrics == nil {
					metrics = map[string]string{}
				}
				return status, metrics
			}
		}
		return domain.CheckFailed, map[string]string{"parse_error": "unrecognized json report"}
	}
	return parseLines(trimmed)
}

// parseLines scans semi-structured output: a status token on its own line or
// in a "status: x" line, plus "key: value" / "key=value" metric lines with
// numeric values.
func parseLines(raw string) (string, map[string]string) {
	status := ""
	metrics := map[string]string{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if s, ok := normalizeStatus(line); ok && status == "" {
			status = s
			continue
		}
		key, value, ok := splitMetric(line)
		if !ok {
			continue
		}
		if strings.EqualFold(key, "status") {
			if s, ok := normalizeStatus(value); ok && status == "" {
				status = s
			}
			continue
		}
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			metrics[normalizeKey(key)] = value
		}
	}
	if status == "" {
		return domain.CheckFailed, map[string]string{"parse_error": "no status token found"}
	}
	return status, metrics
}

func splitMetric(line string) (key, value string, ok bool) {
	for _, sep := range []string{":", "="} {
		if i := strings.Index(line, sep); i > 0 {
			return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+len(sep):]), true
		}
	}
	return "", "", false
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
}

func normalizeStatus(s string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PASSED", "PASS", "OK", "SUCCESS":
		return domain.CheckPassed, true
	case "FAILED", "FAIL", "ERROR", "FAILURE":
		return domain.CheckFailed, true
	case "SKIPPED", "SKIP":
		return domain.CheckSkipped, true
	}
	return "", false
}

// gateViolation applies the per-project numeric thresholds. Comparisons are
// inclusive at the boundary: a value exactly at the limit passes.
func gateViolation(cfg *config.Config, checkKind string, metrics map[string]string) string {
	if cfg == nil {
		return ""
	}
	th := cfg.Gate.Thresholds
	switch checkKind {
	case domain.KindCoverage:
		if v, ok := metric(metrics, "coverage", "coverage_pct"); ok && v < th.CoverageMin {
			return fmt.Sprintf("coverage %.2f%% below minimum %.2f%%", v, th.CoverageMin)
		}
	case domain.KindBuild:
		if th.MaxBuildSeconds > 0 {
			if v, ok := metric(metrics, "duration_seconds", "duration"); ok && v > th.MaxBuildSeconds {
				return fmt.Sprintf("build took %.1fs, limit %.1fs", v, th.MaxBuildSeconds)
			}
		}
	case domain.KindTest:
		if th.MaxTestSeconds > 0 {
			if v, ok := metric(metrics, "duration_seconds", "duration"); ok && v > th.MaxTestSeconds {
				return fmt.Sprintf("tests took %.1fs, limit %.1fs", v, th.MaxTestSeconds)
			}
		}
	case domain.KindPerformance:
		if th.MaxPerfRegressionPct > 0 {
			if v, ok := metric(metrics, "regression_pct", "regression"); ok && v > th.MaxPerfRegressionPct {
				return fmt.Sprintf("performance regression %.2f%% over limit %.2f%%", v, th.MaxPerfRegressionPct)
			}
		}
	}
	return ""
}

func metric(metrics map[string]string, keys ...string) (float64, bool) {
	for _, k := range keys {
		if raw, ok := metrics[k]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}
