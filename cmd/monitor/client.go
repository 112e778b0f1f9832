package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wavecrew/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

// projectView is the subset of a project the monitor shows. The plan
// envelope is left undecoded.
type projectView struct {
	ID                  string              `json:"id"`
	OwnerID             string              `json:"owner_id"`
	Name                string              `json:"name"`
	Phase               domain.ProjectPhase `json:"phase"`
	PlanRevision        int                 `json:"plan_revision"`
	HumanReviewRequired bool                `json:"human_review_required"`
	DeploymentRequested bool                `json:"deployment_requested"`
	LastError           string              `json:"last_error,omitempty"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

type reviewResult struct {
	Request       domain.ReviewRequest `json:"request"`
	WaveStatus    domain.WaveStatus    `json:"wave_status"`
	Phase         domain.ProjectPhase  `json:"phase"`
	FollowUpError string               `json:"follow_up_error,omitempty"`
}

func (c *client) listProjects() ([]projectView, error) {
	var out []projectView
	if err := c.getJSON("/projects?limit=200", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listWaves(projectID string) ([]domain.Wave, error) {
	var out []domain.Wave
	if err := c.getJSON(fmt.Sprintf("/projects/%s/waves", projectID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listTasks(projectID string) ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON(fmt.Sprintf("/projects/%s/tasks", projectID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listReviews(projectID string) ([]domain.ReviewRequest, error) {
	var out []domain.ReviewRequest
	if err := c.getJSON(fmt.Sprintf("/projects/%s/reviews?limit=50", projectID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listDecisions(projectID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/projects/%s/decisions?limit=%d", projectID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) reviewAction(projectID string, wave int, action domain.ReviewAction, actor, notes string) (reviewResult, error) {
	var out reviewResult
	err := c.postJSON(fmt.Sprintf("/projects/%s/waves/%d/review", projectID, wave), map[string]any{
		"action": action,
		"actor":  actor,
		"notes":  notes,
	}, &out)
	return out, err
}

func (c *client) resume(projectID string) error {
	return c.postJSON(fmt.Sprintf("/projects/%s/resume", projectID), nil, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}
