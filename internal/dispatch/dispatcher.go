package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Dispatch error codes. The closed set callers switch on.
const (
	CodeWorkerUnavailable = "WORKER_UNAVAILABLE"
	CodeDispatchFailed    = "DISPATCH_FAILED"
)

// Error is a typed dispatch failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// SignatureHeader carries the signed dispatch token.
const SignatureHeader = "X-Dispatch-Signature"

// OrchestratorIDHeader identifies the sending orchestrator instance.
const OrchestratorIDHeader = "X-Orchestrator-Id"

// InternalAuthHeader is the static shared-secret header, distinct from
// the per-task webhook secret.
const InternalAuthHeader = "X-Internal-Auth"

// WorkerResolver picks a dispatch target for a worker type.
type WorkerResolver interface {
	ResolveWorker(ctx context.Context, workerType string) (string, error)
	BaseURL(location string) (string, error)
}

// Request is everything a worker executor needs to run a task.
type Request struct {
	TaskID           uuid.UUID `json:"task_id"`
	Prompt           string    `json:"prompt"`
	SystemPromptHash string    `json:"system_prompt_hash,omitempty"`
	Repository       string    `json:"repository"`
	BaseBranch       string    `json:"base_branch"`
	WorkerType       string    `json:"worker_type"`
	WebhookURL       string    `json:"webhook_url"`
	WebhookSecret    string    `json:"webhook_secret"`
	LinearIssueID    string    `json:"linear_issue_id,omitempty"`
}

// Result reports a successful dispatch.
type Result struct {
	WorkerLocation string `json:"worker_location"`
}

// Dispatcher sends signed dispatch and cancellation requests to worker
// executors.
type Dispatcher struct {
	resolver       WorkerResolver
	client         *http.Client
	dispatchSecret []byte
	internalToken  string
	orchestratorID string
	log            *slog.Logger
}

func NewDispatcher(resolver WorkerResolver, timeout time.Duration, dispatchSecret, internalToken, orchestratorID string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		resolver:       resolver,
		client:         &http.Client{Timeout: timeout},
		dispatchSecret: []byte(dispatchSecret),
		internalToken:  internalToken,
		orchestratorID: orchestratorID,
		log:            log,
	}
}

// Dispatch resolves a worker for the request's type and sends it the
// signed execution request. The worker verifies both the static header
// pair and the dispatch signature before accepting work.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	location, err := d.resolver.ResolveWorker(ctx, req.WorkerType)
	if err != nil {
		return nil, &Error{Code: CodeWorkerUnavailable, Message: err.Error()}
	}
	base, err := d.resolver.BaseURL(location)
	if err != nil {
		return nil, &Error{Code: CodeWorkerUnavailable, Message: err.Error()}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Code: CodeDispatchFailed, Message: fmt.Sprintf("marshal dispatch payload: %v", err)}
	}
	sig, err := d.signDispatch(req)
	if err != nil {
		return nil, &Error{Code: CodeDispatchFailed, Message: fmt.Sprintf("sign dispatch payload: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Code: CodeDispatchFailed, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(OrchestratorIDHeader, d.orchestratorID)
	httpReq.Header.Set(InternalAuthHeader, d.internalToken)
	httpReq.Header.Set(SignatureHeader, sig)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Code: CodeDispatchFailed, Message: fmt.Sprintf("worker %s unreachable: %v", location, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("worker %s returned status %d", location, resp.StatusCode)
		if resp.StatusCode == http.StatusServiceUnavailable {
			msg = fmt.Sprintf("worker %s is busy", location)
		}
		return nil, &Error{Code: CodeDispatchFailed, Message: msg}
	}

	return &Result{WorkerLocation: location}, nil
}

// CancelOnWorker asks the worker to stop a task. Best effort: the
// authoritative cancelled status already lives in the task store, so
// failures are logged and swallowed.
func (d *Dispatcher) CancelOnWorker(ctx context.Context, taskID uuid.UUID, workerLocation string) {
	base, err := d.resolver.BaseURL(workerLocation)
	if err != nil {
		d.log.Warn("cancel: unknown worker location", "task_id", taskID, "location", workerLocation, "error", err)
		return
	}
	url := fmt.Sprintf("%s/v1/tasks/%s/cancel", base, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		d.log.Warn("cancel: build request failed", "task_id", taskID, "error", err)
		return
	}
	req.Header.Set(OrchestratorIDHeader, d.orchestratorID)
	req.Header.Set(InternalAuthHeader, d.internalToken)

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("cancel: worker unreachable", "task_id", taskID, "location", workerLocation, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.log.Warn("cancel: worker rejected", "task_id", taskID, "location", workerLocation, "status", resp.StatusCode)
	}
}

// dispatchClaims binds the signature to the specific task and target so
// a captured token cannot be replayed for different work.
type dispatchClaims struct {
	jwt.RegisteredClaims
	Repository string `json:"repository"`
	BaseBranch string `json:"base_branch"`
	WorkerType string `json:"worker_type"`
}

func (d *Dispatcher) signDispatch(req *Request) (string, error) {
	now := time.Now()
	c := dispatchClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    d.orchestratorID,
			Subject:   req.TaskID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Repository: req.Repository,
		BaseBranch: req.BaseBranch,
		WorkerType: req.WorkerType,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(d.dispatchSecret)
}

// VerifyDispatchSignature checks a dispatch token against the shared
// secret and the expected task id. Exported for worker-side use and for
// tests.
func VerifyDispatchSignature(token string, secret []byte, taskID uuid.UUID) error {
	tok, err := jwt.ParseWithClaims(token, &dispatchClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return err
	}
	c, ok := tok.Claims.(*dispatchClaims)
	if !ok || !tok.Valid {
		return fmt.Errorf("invalid dispatch token")
	}
	if c.Subject != taskID.String() {
		return fmt.Errorf("dispatch token bound to different task")
	}
	return nil
}
