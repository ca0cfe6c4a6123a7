// Package worker runs backup commands and the goroutines that host them.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/muaviaUsmani/backupagent/internal/job"
	"github.com/muaviaUsmani/backupagent/internal/logger"
)

const tracerName = "github.com/muaviaUsmani/backupagent/internal/worker"

var (
	// ErrBinaryNotFound is returned when the command binary cannot be started
	ErrBinaryNotFound = errors.New("binary not found")
	// ErrInvalidRequest wraps backup request validation failures
	ErrInvalidRequest = errors.New("invalid backup request")
	// ErrUnsupportedVersion is returned when the backup tool is older than required
	ErrUnsupportedVersion = errors.New("unsupported rustic version")
)

// CommandError reports a command that ran but exited unsuccessfully
type CommandError struct {
	Message string
	Result  *job.CommandResult
}

func (e *CommandError) Error() string {
	return e.Message
}

// ExecutorConfig holds the binaries and the directory their state lives in
type ExecutorConfig struct {
	RusticBin string
	RcloneBin string
	StateDir  string
	Tracer    trace.Tracer
}

// Executor runs rustic and rclone with an environment isolated under StateDir
type Executor struct {
	rusticBin string
	rcloneBin string
	stateDir  string
	tracer    trace.Tracer
	log       logger.Logger
}

// NewExecutor creates a new executor
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		rusticBin: cfg.RusticBin,
		rcloneBin: cfg.RcloneBin,
		stateDir:  cfg.StateDir,
		tracer:    cfg.Tracer,
		log:       logger.Default().WithComponent(logger.ComponentExecutor),
	}
	if e.rusticBin == "" {
		e.rusticBin = "rustic"
	}
	if e.rcloneBin == "" {
		e.rcloneBin = "rclone"
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Run executes bin with args. env entries are added on top of the process
// environment and the isolated HOME/XDG/RCLONE_CONFIG locations.
func (e *Executor) Run(ctx context.Context, bin string, args []string, env map[string]string) (*job.CommandResult, error) {
	return e.run(ctx, bin, args, env, nil)
}

func (e *Executor) run(ctx context.Context, bin string, args []string, env map[string]string, preview []string) (*job.CommandResult, error) {
	if preview == nil {
		preview = append([]string{bin}, args...)
	}

	ctx, span := e.tracer.Start(ctx, "backupagent.exec",
		trace.WithAttributes(
			attribute.String("backupagent.exec.bin", filepath.Base(bin)),
			attribute.Int("backupagent.exec.args", len(args)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	e.log.InfoContext(ctx, "Executing command", "command", strings.Join(preview, " "))

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), e.isolatedEnv()...)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, bin)
		}
		return nil, fmt.Errorf("failed to execute %s: %w", bin, err)
	}

	result := &job.CommandResult{
		Success:    err == nil,
		Command:    preview,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ParsedJSON: parseJSONOutput(stdout.String()),
	}
	if code := cmd.ProcessState.ExitCode(); code >= 0 {
		result.ExitCode = &code
	}

	if result.Success {
		span.SetStatus(codes.Ok, "")
		e.log.InfoContext(ctx, "Command completed", "exit_code", cmd.ProcessState.ExitCode())
	} else {
		span.SetStatus(codes.Error, "non-zero exit")
		e.log.WarnContext(ctx, "Command failed",
			"exit_code", cmd.ProcessState.ExitCode(),
			"stderr", strings.TrimSpace(result.Stderr))
	}
	return result, nil
}

// isolatedEnv points every tool at config and cache directories under the
// state dir. Directory creation failures surface later as command errors.
func (e *Executor) isolatedEnv() []string {
	configHome := filepath.Join(e.stateDir, "config")
	cacheHome := filepath.Join(e.stateDir, "cache")
	home := filepath.Join(e.stateDir, "home")

	for _, dir := range []string{home, filepath.Join(configHome, "rclone"), cacheHome} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			e.log.Warn("Failed to create state directory", "dir", dir, "error", err)
		}
	}

	return []string{
		"HOME=" + home,
		"XDG_CONFIG_HOME=" + configHome,
		"XDG_CACHE_HOME=" + cacheHome,
		"RCLONE_CONFIG=" + filepath.Join(configHome, "rclone", "rclone.conf"),
		"RUSTIC_LOG_LEVEL=warn",
	}
}

// RunBackup runs one rustic backup for req
func (e *Executor) RunBackup(ctx context.Context, req job.BackupRequest) (*job.CommandResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	repository := strings.TrimSpace(req.Repository)

	switch {
	case req.BackendName() == job.BackendRclone:
		var err error
		repository, err = e.prepareRclone(ctx, repository, req.Options)
		if err != nil {
			return nil, err
		}
	case strings.HasPrefix(repository, "s3:"):
		return nil, fmt.Errorf("%w: s3 backend is not supported; use the rclone backend", ErrInvalidRequest)
	case len(req.Options) > 0:
		e.log.WarnContext(ctx, "Backup received repository options but backend is not rclone, ignoring them")
	}

	args := []string{"--repository", repository, "backup", "--json", "--no-progress"}
	if req.IsDryRun() {
		args = append(args, "--dry-run")
	}
	for _, tag := range req.Tags {
		if strings.TrimSpace(tag) != "" {
			args = append(args, "--tag", tag)
		}
	}
	args = append(args, req.Paths...)

	env := map[string]string{}
	if req.Password != nil && strings.TrimSpace(*req.Password) != "" {
		env["RUSTIC_PASSWORD"] = *req.Password
	}

	result, err := e.run(ctx, e.rusticBin, args, env, nil)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		msg, ok := firstUsefulErrorLine(result.Stderr)
		if !ok {
			msg = "backup command failed"
		}
		return result, &CommandError{Message: msg, Result: result}
	}
	return result, nil
}

// prepareRclone creates the rclone remote described by options and returns
// the repository in rclone:<remote>:<path> form.
func (e *Executor) prepareRclone(ctx context.Context, repository string, options map[string]string) (string, error) {
	remote := strings.TrimSpace(options["rclone.remote"])
	if remote == "" {
		remote = remoteFromRepository(repository)
	}
	if remote == "" {
		return "", fmt.Errorf("%w: rclone backend requires the rclone.remote option or a repository in the form rclone:<remote>:<path>", ErrInvalidRequest)
	}

	remoteType := strings.TrimSpace(options["rclone.type"])
	if remoteType == "" {
		remoteType = strings.TrimSpace(options["rclone.config.type"])
	}
	if remoteType == "" {
		return "", fmt.Errorf("%w: rclone backend requires the rclone.type option (example: rclone.type=s3)", ErrInvalidRequest)
	}

	args, preview := rcloneCreateArgs(remote, remoteType, options)
	result, err := e.run(ctx, e.rcloneBin, args, nil, append([]string{"rclone"}, preview...))
	if err != nil {
		return "", err
	}
	if !result.Success {
		reason, ok := firstUsefulErrorLine(result.Stderr)
		if !ok {
			reason = "rclone config create failed"
		}
		return "", &CommandError{Message: "failed to create rclone config: " + reason, Result: result}
	}

	if !strings.HasPrefix(repository, "rclone:") {
		repository = "rclone:" + remote + ":" + strings.TrimLeft(repository, "/")
		e.log.InfoContext(ctx, "Normalized repository for rclone", "repository", repository)
	}
	return repository, nil
}

func remoteFromRepository(repository string) string {
	rest, ok := strings.CutPrefix(repository, "rclone:")
	if !ok {
		return ""
	}
	remote, _, found := strings.Cut(rest, ":")
	if !found {
		return ""
	}
	return remote
}

// rcloneCreateArgs builds the argv for "rclone config create" and a preview
// with sensitive values masked.
func rcloneCreateArgs(remote, remoteType string, options map[string]string) (args, preview []string) {
	args = []string{"config", "create", remote, remoteType}
	preview = []string{"config", "create", remote, remoteType}

	keys := make([]string, 0, len(options))
	for k := range options {
		name, ok := strings.CutPrefix(k, "rclone.config.")
		if !ok || name == "" || name == "type" {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := options["rclone.config."+k]
		args = append(args, k, v)
		if isSensitiveKey(k) {
			preview = append(preview, k, "***")
		} else {
			preview = append(preview, k, v)
		}
	}

	args = append(args, "--non-interactive")
	preview = append(preview, "--non-interactive")
	return args, preview
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "secret") ||
		strings.Contains(k, "password") ||
		strings.Contains(k, "token") ||
		strings.HasSuffix(k, "key") ||
		strings.Contains(k, "access_key")
}

// parseJSONOutput reads stdout as one JSON document, falling back to one
// document per line. Several line documents become an array.
func parseJSONOutput(stdout string) json.RawMessage {
	whole := bytes.TrimSpace([]byte(stdout))
	if json.Valid(whole) {
		return json.RawMessage(whole)
	}

	var values []json.RawMessage
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !json.Valid([]byte(line)) {
			continue
		}
		values = append(values, json.RawMessage(line))
	}

	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	}
	out, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return out
}

var ansiEscape = regexp.MustCompile(`\x1b\[[^a-zA-Z]*[a-zA-Z]?`)

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// firstUsefulErrorLine picks the most informative line of a tool's stderr
func firstUsefulErrorLine(stderr string) (string, bool) {
	var lines []string
	for _, raw := range strings.Split(stderr, "\n") {
		if line := strings.TrimSpace(stripANSI(raw)); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return "", false
	}

	for i, line := range lines {
		if strings.ToLower(line) != "message:" {
			continue
		}
		for _, next := range lines[i+1:] {
			n := strings.ToLower(next)
			if strings.HasPrefix(n, "some additional details") || strings.HasPrefix(n, "backtrace") {
				continue
			}
			return next, true
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "message:") && len(line) > 8 {
			if msg := strings.TrimSpace(line[8:]); msg != "" {
				return msg, true
			}
		}
	}

	for _, line := range lines {
		n := strings.ToLower(line)
		if !strings.Contains(n, "[info]") && !strings.HasPrefix(n, "info:") {
			return line, true
		}
	}
	return "", false
}

var versionToken = regexp.MustCompile(`v?\d+\.\d+(\.\d+)?([-+][0-9A-Za-z.-]+)?`)

// CheckVersion runs "rustic --version" and compares the result to minVersion.
// An empty minVersion only reports the detected version.
func (e *Executor) CheckVersion(ctx context.Context, minVersion string) (*version.Version, error) {
	result, err := e.run(ctx, e.rusticBin, []string{"--version"}, nil, nil)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, &CommandError{Message: "rustic --version failed", Result: result}
	}

	out := result.Stdout + "\n" + result.Stderr
	token := versionToken.FindString(out)
	if token == "" {
		return nil, fmt.Errorf("no version found in %q", strings.TrimSpace(out))
	}
	current, err := version.NewVersion(token)
	if err != nil {
		return nil, fmt.Errorf("parse rustic version %q: %w", token, err)
	}

	if minVersion == "" {
		return current, nil
	}
	required, err := version.NewVersion(minVersion)
	if err != nil {
		return current, fmt.Errorf("parse minimum version %q: %w", minVersion, err)
	}
	if current.LessThan(required) {
		return current, fmt.Errorf("%w: have %s, need %s", ErrUnsupportedVersion, current, required)
	}
	return current, nil
}
