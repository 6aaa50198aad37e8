// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("COFLOW_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

func scheduleRun(workflow string, input map[string]any, wait bool) (map[string]any, error) {
	body := map[string]any{"workflow": workflow, "wait": wait}
	if len(input) > 0 {
		body["input"] = input
	}
	var out map[string]any
	resp, err := newClient().R().
		SetBody(body).
		SetResult(&out).
		Post("/api/runs")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("POST /api/runs: %s", resp.String())
	}
	return out, nil
}

func getRun(runID string) (map[string]any, error) {
	var out map[string]any
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/runs/" + runID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/runs/%s: %s", runID, resp.String())
	}
	return out, nil
}

func listRuns(workflow string) ([]map[string]any, int, error) {
	var out struct {
		Runs  []map[string]any `json:"runs"`
		Total int              `json:"total"`
	}
	req := newClient().R().SetResult(&out)
	if workflow != "" {
		req.SetQueryParam("workflow", workflow)
	}
	resp, err := req.Get("/api/runs")
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, 0, fmt.Errorf("GET /api/runs: %s", resp.String())
	}
	return out.Runs, out.Total, nil
}

func runOp(runID, op string, body map[string]any) (map[string]any, error) {
	var out map[string]any
	req := newClient().R().SetResult(&out)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post("/api/runs/" + runID + "/" + op)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("POST /api/runs/%s/%s: %s", runID, op, resp.String())
	}
	return out, nil
}

func listApprovals(assignee string) ([]map[string]any, error) {
	var out struct {
		Approvals []map[string]any `json:"approvals"`
	}
	req := newClient().R().SetResult(&out)
	if assignee != "" {
		req.SetQueryParam("assignee", assignee)
	}
	resp, err := req.Get("/api/approvals")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/approvals: %s", resp.String())
	}
	return out.Approvals, nil
}

func respondApproval(requestID string, decision any, respondedBy string) (map[string]any, error) {
	var out map[string]any
	resp, err := newClient().R().
		SetBody(map[string]any{"decision": decision, "responded_by": respondedBy}).
		SetResult(&out).
		Post("/api/approvals/" + requestID + "/respond")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST respond: %s", resp.String())
	}
	return out, nil
}

func listDeadLetters(workflow string) ([]map[string]any, int, error) {
	var out struct {
		Entries []map[string]any `json:"entries"`
		Total   int              `json:"total"`
	}
	req := newClient().R().SetResult(&out)
	if workflow != "" {
		req.SetQueryParam("workflow", workflow)
	}
	resp, err := req.Get("/api/dlq")
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, 0, fmt.Errorf("GET /api/dlq: %s", resp.String())
	}
	return out.Entries, out.Total, nil
}

func retryDeadLetter(entryID string) (map[string]any, error) {
	var out map[string]any
	resp, err := newClient().R().
		SetResult(&out).
		Post("/api/dlq/" + entryID + "/retry")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusAccepted {
		return nil, fmt.Errorf("POST /api/dlq/%s/retry: %s", entryID, resp.String())
	}
	return out, nil
}

func removeDeadLetter(entryID string) error {
	resp, err := newClient().R().Delete("/api/dlq/" + entryID)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("DELETE /api/dlq/%s: %s", entryID, resp.String())
	}
	return nil
}

func getStats() (map[string]any, error) {
	var out map[string]any
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/stats")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/stats: %s", resp.String())
	}
	return out, nil
}

func getHealth() (map[string]any, error) {
	var out map[string]any
	resp, err := newClient().R().
		SetResult(&out).
		Get("/healthz")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /healthz: %s", resp.String())
	}
	return out, nil
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
