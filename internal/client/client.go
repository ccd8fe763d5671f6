// Package client is a REST client for the broker's control API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ChuLiYu/genbroker/internal/broker"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

const requestTimeout = 30 * time.Second

// ErrUnknownOperation is returned when the broker has no such passthrough operation.
var ErrUnknownOperation = errors.New("unknown operation")

// Client talks to /api on a running broker.
type Client struct {
	http *resty.Client
}

// New creates a client for baseURL, e.g. "http://localhost:12345".
func New(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Accept", "application/json").
			SetTimeout(requestTimeout),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// 依狀態碼還原 sentinel error
func responseError(res *resty.Response) error {
	var body errorBody
	msg := res.String()
	if err := json.Unmarshal(res.Body(), &body); err == nil && body.Error != "" {
		msg = body.Error
	}

	var sentinel error
	switch res.StatusCode() {
	case http.StatusBadRequest:
		sentinel = types.ErrInvalidJobSpec
	case http.StatusConflict:
		sentinel = types.ErrDuplicateJob
	case http.StatusNotFound:
		sentinel = types.ErrUnknownJob
	case http.StatusServiceUnavailable:
		sentinel = broker.ErrStopped
	default:
		return fmt.Errorf("broker returned %d: %s", res.StatusCode(), msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if !res.IsSuccess() {
		return responseError(res)
	}
	return nil
}

func (c *Client) Enqueue(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	var out struct {
		ID types.JobID `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/jobs", spec, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) Snapshot(ctx context.Context) (types.Snapshot, error) {
	var snap types.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &snap)
	return snap, err
}

func (c *Client) Job(ctx context.Context, id types.JobID) (types.JobView, error) {
	var view types.JobView
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+string(id), nil, &view)
	return view, err
}

func (c *Client) StartExecution(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/start", nil, nil)
}

func (c *Client) StopExecution(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/stop", nil, nil)
}

// Passthrough calls a passthrough operation and returns the raw JSON reply.
func (c *Client) Passthrough(ctx context.Context, op string, body json.RawMessage) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx).SetPathParam("op", op)
	if len(body) > 0 {
		req.SetHeader("Content-Type", "application/json").SetBody([]byte(body))
	}
	res, err := req.Post("/api/passthrough/{op}")
	if err != nil {
		return nil, fmt.Errorf("passthrough %s: %w", op, err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	if !res.IsSuccess() {
		return nil, responseError(res)
	}
	return json.RawMessage(res.Body()), nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}
