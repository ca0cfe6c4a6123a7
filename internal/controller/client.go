// Package controller talks to the remote controller that owns backup plans.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/muaviaUsmani/backupagent/internal/job"
	"github.com/muaviaUsmani/backupagent/internal/logger"
)

const (
	tracerName = "github.com/muaviaUsmani/backupagent/internal/controller"

	// maxErrorBody bounds how much of a failed response is kept in a StatusError
	maxErrorBody = 512
)

// ErrUnexpectedStatus is matched by every StatusError
var ErrUnexpectedStatus = errors.New("unexpected controller status")

// StatusError is returned when the controller answers with a non-2xx status
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: controller returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: controller returned %d: %s", e.Op, e.Status, e.Body)
}

// Is makes errors.Is(err, ErrUnexpectedStatus) true
func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// Config configures a controller client
type Config struct {
	BaseURL       string
	Token         string
	PlanAPIPath   string
	HeartbeatPath string
	Timeout       time.Duration
	// RateLimit caps report deliveries per second; 0 disables the limiter
	RateLimit  float64
	HTTPClient *http.Client
	Tracer     trace.Tracer
}

// Client is the controller HTTP client
type Client struct {
	baseURL       string
	token         string
	planAPIPath   string
	heartbeatPath string
	http          *http.Client
	limiter       *rate.Limiter
	tracer        trace.Tracer
	log           logger.Logger
}

// NewClient creates a controller client
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		planAPIPath:   cfg.PlanAPIPath,
		heartbeatPath: cfg.HeartbeatPath,
		http:          cfg.HTTPClient,
		tracer:        cfg.Tracer,
		log:           logger.Default().WithComponent(logger.ComponentController),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// FetchPlans asks the controller for the current plan list
func (c *Client) FetchPlans(ctx context.Context) ([]job.Plan, error) {
	var resp job.PlanSyncResponse
	if err := c.post(ctx, "plan_sync", c.baseURL+c.planAPIPath+"/sync", struct{}{}, &resp); err != nil {
		return nil, err
	}
	if resp.Plans == nil {
		resp.Plans = []job.Plan{}
	}
	return resp.Plans, nil
}

// ReportURL returns the report endpoint for a plan
func (c *Client) ReportURL(planID string) string {
	return c.baseURL + c.planAPIPath + "/" + url.PathEscape(planID) + "/report"
}

// DeliverReport posts report to reportURL. The rate limiter, when set, is
// waited on before the request is sent.
func (c *Client) DeliverReport(ctx context.Context, reportURL string, report *job.Report) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("report delivery: %w", err)
		}
	}
	return c.post(ctx, "report", reportURL, report, nil)
}

// SyncStats sends a heartbeat
func (c *Client) SyncStats(ctx context.Context, hb job.Heartbeat) error {
	return c.post(ctx, "heartbeat", c.baseURL+c.heartbeatPath, hb, nil)
}

func (c *Client) post(ctx context.Context, op, target string, body, out interface{}) (err error) {
	ctx, span := c.tracer.Start(ctx, "backupagent.controller."+op,
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", target),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}

	c.log.DebugContext(ctx, "Controller call succeeded", "op", op, "status", resp.StatusCode)
	return nil
}
