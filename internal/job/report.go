package job

import (
	"bytes"
	"encoding/json"
	"time"
)

// Report is the outcome of one plan execution. Nil pointers serialize as null.
type Report struct {
	Status       RunStatus       `json:"status"`
	Error        *string         `json:"error"`
	DurationMs   int64           `json:"durationMs"`
	SnapshotID   *string         `json:"snapshotId"`
	SnapshotTime *string         `json:"snapshotTime"`
	NextRunAt    *string         `json:"nextRunAt"`
	Output       json.RawMessage `json:"output"`
}

// PendingReport is a report waiting for redelivery
type PendingReport struct {
	URL      string `json:"url"`
	Payload  Report `json:"payload"`
	Attempts int    `json:"attempts"`
}

var nullJSON = json.RawMessage("null")

// NewSuccessReport builds a success report. The snapshot reference is taken
// from the command's parsed output and the output field carries the full result.
func NewSuccessReport(result *CommandResult, duration time.Duration, nextRunAt *time.Time) *Report {
	r := &Report{
		Status:     StatusSuccess,
		DurationMs: duration.Milliseconds(),
		NextRunAt:  formatNextRun(nextRunAt),
		Output:     nullJSON,
	}
	if result == nil {
		return r
	}

	r.SnapshotID, r.SnapshotTime = SnapshotRef(result.ParsedJSON)
	if out, err := json.Marshal(result); err == nil {
		r.Output = out
	}
	return r
}

// NewFailedReport builds a failed report carrying the error message
func NewFailedReport(err error, duration time.Duration, nextRunAt *time.Time) *Report {
	msg := "backup command failed"
	if err != nil {
		msg = err.Error()
	}
	return &Report{
		Status:     StatusFailed,
		Error:      &msg,
		DurationMs: duration.Milliseconds(),
		NextRunAt:  formatNextRun(nextRunAt),
		Output:     nullJSON,
	}
}

func formatNextRun(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// SnapshotRef extracts the snapshot id and time from structured command
// output. A list uses its first element. "snapshotId" wins over "id" and
// "snapshotTime" over "time"; non-string values are ignored.
func SnapshotRef(parsed json.RawMessage) (id, ts *string) {
	parsed = bytes.TrimSpace(parsed)
	if len(parsed) == 0 {
		return nil, nil
	}

	candidate := parsed
	if parsed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(parsed, &list); err != nil || len(list) == 0 {
			return nil, nil
		}
		candidate = list[0]
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(candidate, &obj); err != nil || obj == nil {
		return nil, nil
	}

	return firstString(obj, "snapshotId", "id"), firstString(obj, "snapshotTime", "time")
}

func firstString(obj map[string]json.RawMessage, keys ...string) *string {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if s, ok := v.(string); ok {
			return &s
		}
	}
	return nil
}
