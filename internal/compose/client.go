// Package compose drives the external image-build engine through its
// asynchronous job API: submit, poll until terminal, fetch the artifact,
// delete. The engine is long-running; WaitUntilTerminal is the single
// blocking point and callers choose their own maxWait.
//
// The wire protocol is the composer REST API: POST /api/v0/compose
// returns a build id, /api/v0/compose/info/{id} reports the queue
// status (WAITING, RUNNING, FINISHED, FAILED), /api/v0/compose/image/{id}
// streams the finished image, and the cancel/delete routes release
// engine-side resources.
package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-retryablehttp"

	"imagetest/pkg/errkind"
	"imagetest/pkg/logging"
)

// Client talks to one build engine endpoint. All methods are safe for
// concurrent use; per-job state lives in the Job.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// NewClient creates a compose client for the given base URL, e.g.
// http://localhost:4000. The underlying HTTP client retries 429 and
// 5xx class responses with backoff, since the engine rate-limits
// aggressive pollers.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = nil
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

type submitRequest struct {
	BlueprintName string `json:"blueprint_name"`
	ComposeType   string `json:"compose_type"`
	Branch        string `json:"branch"`
}

// apiError is how the engine reports failures inside a 200 response:
// a list of {"id": ..., "msg": ...} objects.
type apiError struct {
	ID  string `json:"id"`
	Msg string `json:"msg"`
}

func joinErrors(errs []apiError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Msg)
	}
	return strings.Join(msgs, "; ")
}

type submitResponse struct {
	Status  bool       `json:"status"`
	BuildID string     `json:"build_id"`
	Errors  []apiError `json:"errors"`
}

type infoResponse struct {
	ID          string `json:"id"`
	QueueStatus string `json:"queue_status"`
}

type statusResponse struct {
	Status bool       `json:"status"`
	Errors []apiError `json:"errors"`
}

// Submit starts a build of the named blueprint for the given output
// type (e.g. "vhd", "ami", "qcow2") and returns the tracked job.
func (c *Client) Submit(ctx context.Context, blueprint, outputType string) (*Job, error) {
	body, err := json.Marshal(submitRequest{
		BlueprintName: blueprint,
		ComposeType:   outputType,
		Branch:        "master",
	})
	if err != nil {
		return nil, err
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v0/compose", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to submit compose of %s: %w", blueprint, err)
	}
	if !resp.Status || resp.BuildID == "" {
		return nil, fmt.Errorf("compose of %s rejected by engine: %s", blueprint, joinErrors(resp.Errors))
	}

	logging.Info("Compose", "submitted %s (%s) as build %s", blueprint, outputType, resp.BuildID)
	return &Job{
		ID:          resp.BuildID,
		Blueprint:   blueprint,
		OutputType:  outputType,
		Status:      StatusWaiting,
		SubmittedAt: time.Now(),
	}, nil
}

// Poll reads the job's current queue status and records it on the job.
// Safe to call repeatedly; it is an idempotent read.
func (c *Client) Poll(ctx context.Context, job *Job) (Status, error) {
	var resp infoResponse
	if err := c.do(ctx, http.MethodGet, "/api/v0/compose/info/"+job.ID, nil, &resp); err != nil {
		return "", fmt.Errorf("failed to poll build %s: %w", job.ID, err)
	}
	job.Status = Status(resp.QueueStatus)
	return job.Status, nil
}

// WaitUntilTerminal polls until the job reaches FINISHED or FAILED, or
// maxWait elapses. The poll interval backs off exponentially from
// pollInterval up to a 60s ceiling. A maxWait of zero issues exactly one
// poll before failing with ComposeTimeout.
func (c *Client) WaitUntilTerminal(ctx context.Context, job *Job, pollInterval, maxWait time.Duration) (Status, error) {
	deadline := time.Now().Add(maxWait)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pollInterval
	bo.MaxInterval = 60 * time.Second
	bo.Reset()

	for {
		status, err := c.Poll(ctx, job)
		if err != nil {
			return "", err
		}
		if status.Terminal() {
			logging.Info("Compose", "build %s reached %s after %v", job.ID, status, time.Since(job.SubmittedAt).Round(time.Second))
			return status, nil
		}

		wait := bo.NextBackOff()
		if time.Now().Add(wait).After(deadline) {
			return status, errkind.New(errkind.KindComposeTimeout,
				"build %s still %s after %v", job.ID, status, maxWait)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return status, errkind.Wrap(errkind.KindComposeTimeout, ctx.Err(),
				"wait for build %s interrupted", job.ID)
		}
	}
}

// FetchArtifact downloads the finished image into destDir and returns
// the local path. It fails with ArtifactMissing unless the most recent
// poll observed FINISHED.
func (c *Client) FetchArtifact(ctx context.Context, job *Job, destDir string) (string, error) {
	if job.Status != StatusFinished {
		return "", errkind.New(errkind.KindArtifactMissing,
			"build %s is %s, not FINISHED", job.ID, job.Status)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v0/compose/image/"+job.ID, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch image of build %s: %w", job.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errkind.New(errkind.KindArtifactMissing,
			"engine returned %d for image of build %s", resp.StatusCode, job.ID)
	}

	name := fmt.Sprintf("%s-%s.%s", job.Blueprint, job.ID, artifactExtension(job.OutputType))
	path := filepath.Join(destDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write artifact %s: %w", path, err)
	}

	logging.Info("Compose", "fetched %d bytes of %s into %s", n, job.OutputType, path)
	job.ImagePath = path
	return path, nil
}

// Cancel stops a job that is still queued or running.
func (c *Client) Cancel(ctx context.Context, job *Job) error {
	var resp statusResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v0/compose/cancel/"+job.ID, nil, &resp); err != nil {
		return fmt.Errorf("failed to cancel build %s: %w", job.ID, err)
	}
	if !resp.Status {
		return fmt.Errorf("engine refused to cancel build %s: %s", job.ID, joinErrors(resp.Errors))
	}
	return nil
}

// Delete releases engine-side build resources. Safe to call even when
// the job never reached FINISHED; the engine treats unknown states as a
// best-effort delete.
func (c *Client) Delete(ctx context.Context, job *Job) error {
	var resp statusResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v0/compose/delete/"+job.ID, nil, &resp); err != nil {
		return fmt.Errorf("failed to delete build %s: %w", job.ID, err)
	}
	if !resp.Status {
		return fmt.Errorf("engine refused to delete build %s: %s", job.ID, joinErrors(resp.Errors))
	}
	logging.Debug("Compose", "deleted build %s", job.ID)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("engine returned %d for %s %s: %s", resp.StatusCode, method, path, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// artifactExtension maps an output type to the filename extension the
// engine uses for it.
func artifactExtension(outputType string) string {
	switch outputType {
	case "tar", "liveimg-tar":
		return "tar"
	case "qcow2":
		return "qcow2"
	case "vhd":
		return "vhd"
	case "vmdk":
		return "vmdk"
	case "ami":
		return "ami"
	case "openstack":
		return "qcow2"
	default:
		return "img"
	}
}
