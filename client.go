package skicka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// NewClient creates a thin client for the skicka http api.
func NewClient(apiKey string, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:   host,
		apiKey: apiKey,
	}
}

type Client struct {
	host   string
	apiKey string
}

// Send submits an email for delivery. The returned receipt carries one queue
// record id per recipient; delivery happens asynchronously on the worker.
func (c *Client) Send(ctx context.Context, email *Email) (Receipt, error) {
	var r Receipt
	err := c.do(ctx, http.MethodPost, "/emails", email, &r)
	return r, err
}

// Status fetches the current state of one queued email.
func (c *Client) Status(ctx context.Context, id string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/emails/"+id, nil, &out)
	return out, err
}

func (c *Client) WorkerStatus(ctx context.Context) (WorkerStatus, error) {
	var s WorkerStatus
	err := c.do(ctx, http.MethodGet, "/worker/status", nil, &s)
	return s, err
}

func (c *Client) StartWorker(ctx context.Context) (WorkerStatus, error) {
	var s WorkerStatus
	err := c.do(ctx, http.MethodPost, "/worker/start", nil, &s)
	return s, err
}

func (c *Client) StopWorker(ctx context.Context) (WorkerStatus, error) {
	var s WorkerStatus
	err := c.do(ctx, http.MethodPost, "/worker/stop", nil, &s)
	return s, err
}

// ProcessNow triggers one synchronous dispatch cycle on the worker.
func (c *Client) ProcessNow(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/worker/process", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path+"?key="+c.apiKey, body)
	if err != nil {
		return err
	}
	req.Header.Add("content-type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("got status %d, %s", resp.StatusCode, string(respBytes))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBytes, out)
}
