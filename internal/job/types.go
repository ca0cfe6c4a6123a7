package job

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunStatus is the outcome recorded in a report
type RunStatus string

const (
	// StatusSuccess indicates the backup command exited cleanly
	StatusSuccess RunStatus = "success"
	// StatusFailed indicates the backup command failed or could not be started
	StatusFailed RunStatus = "failed"
)

// Backend names understood by the executor
const (
	BackendLocal  = "local"
	BackendRclone = "rclone"
)

// Plan is a scheduled backup definition handed out by the controller
type Plan struct {
	// ID is opaque to the agent and only used for dedup keys and report URLs
	ID string `json:"id"`
	// Cron is a 5-field cron expression evaluated in local time
	Cron string `json:"cron"`
	// Request is passed through to the executor unchanged
	Request BackupRequest `json:"request"`
}

// BackupRequest describes a single backup invocation
type BackupRequest struct {
	Repository string            `json:"repository"`
	Password   *string           `json:"password,omitempty"`
	Backend    *string           `json:"backend,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
	Paths      []string          `json:"paths"`
	Tags       []string          `json:"tags,omitempty"`
	DryRun     *bool             `json:"dryRun,omitempty"`
}

// BackendName returns the lower-cased backend, or "" when unset
func (r BackupRequest) BackendName() string {
	if r.Backend == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*r.Backend))
}

// IsDryRun reports whether the request asks for a dry run
func (r BackupRequest) IsDryRun() bool {
	return r.DryRun != nil && *r.DryRun
}

// Validate checks the fields every backup needs
func (r BackupRequest) Validate() error {
	if strings.TrimSpace(r.Repository) == "" {
		return fmt.Errorf("repository is required")
	}
	if len(r.Paths) == 0 {
		return fmt.Errorf("at least one path is required")
	}
	for _, p := range r.Paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("paths cannot contain empty values")
		}
	}
	return nil
}

// CommandResult captures one subprocess invocation
type CommandResult struct {
	Success    bool            `json:"success"`
	Command    []string        `json:"command"`
	ExitCode   *int            `json:"exitCode"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	ParsedJSON json.RawMessage `json:"parsedJson"`
}

// PlanSyncResponse is the controller's answer to a plan sync
type PlanSyncResponse struct {
	Plans []Plan `json:"plans"`
}

// Heartbeat is the payload of the periodic stats sync
type Heartbeat struct {
	Status        string `json:"status"`
	Endpoint      string `json:"endpoint"`
	UptimeMs      int64  `json:"uptimeMs"`
	RequestsTotal int64  `json:"requestsTotal"`
	ErrorTotal    int64  `json:"errorTotal"`
}
