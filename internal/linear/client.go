package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Issue states the orchestrator drives.
const (
	StateInProgress = "In Progress"
	StateInReview   = "In Review"
)

// Issue is the subset of an issue this service cares about.
type Issue struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Client is a thin issue-tracker client. Every operation here is
// best-effort from the caller's point of view: task state never depends
// on an issue transition landing.
type Client struct {
	apiURL string
	apiKey string
	client *http.Client
	log    *slog.Logger
}

func NewClient(apiURL, apiKey string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		apiURL: apiURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Enabled reports whether the client has credentials to talk to the
// issue tracker at all.
func (c *Client) Enabled() bool { return c.apiKey != "" }

// EnsureIssueExists creates an issue titled after the task prompt and
// returns it.
func (c *Client) EnsureIssueExists(ctx context.Context, title, description string) (*Issue, error) {
	query := `mutation IssueCreate($input: IssueCreateInput!) {
		issueCreate(input: $input) { issue { id title url } }
	}`
	vars := map[string]any{"input": map[string]any{"title": title, "description": description}}
	var resp struct {
		Data struct {
			IssueCreate struct {
				Issue Issue `json:"issue"`
			} `json:"issueCreate"`
		} `json:"data"`
	}
	if err := c.do(ctx, query, vars, &resp); err != nil {
		return nil, err
	}
	if resp.Data.IssueCreate.Issue.ID == "" {
		return nil, fmt.Errorf("issue create returned no issue")
	}
	return &resp.Data.IssueCreate.Issue, nil
}

// MarkInProgress transitions the issue to the in-progress state.
func (c *Client) MarkInProgress(ctx context.Context, issueID string) error {
	return c.transition(ctx, issueID, StateInProgress)
}

// MarkInReview transitions the issue to the in-review state. Invoked
// when a completed task carries a PR URL.
func (c *Client) MarkInReview(ctx context.Context, issueID string) error {
	return c.transition(ctx, issueID, StateInReview)
}

func (c *Client) transition(ctx context.Context, issueID, stateName string) error {
	query := `mutation IssueUpdate($id: String!, $state: String!) {
		issueUpdateByStateName(id: $id, stateName: $state) { success }
	}`
	vars := map[string]any{"id": issueID, "state": stateName}
	var resp struct {
		Data struct {
			IssueUpdateByStateName struct {
				Success bool `json:"success"`
			} `json:"issueUpdateByStateName"`
		} `json:"data"`
	}
	if err := c.do(ctx, query, vars, &resp); err != nil {
		return err
	}
	if !resp.Data.IssueUpdateByStateName.Success {
		return fmt.Errorf("issue %s: transition to %q not applied", issueID, stateName)
	}
	return nil
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("issue tracker returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
