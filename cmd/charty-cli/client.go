package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// message mirrors conversation.Message on the wire.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type queryReply struct {
	Message       message `json:"message"`
	WasToolCalled bool    `json:"wasToolCalled"`
}

type healthStatus struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	Servers []string `json:"servers"`
}

// client talks to the Charty backend API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *client) query(ctx context.Context, q string) (*queryReply, error) {
	var out queryReply
	if err := c.do(ctx, http.MethodPost, "/api/query", map[string]string{"query": q}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// history returns the visible conversation, or the full one when all is set.
func (c *client) history(ctx context.Context, all bool) ([]message, error) {
	path := "/api/message"
	if all {
		path += "/all"
	}
	var out []message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) clear(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/message", nil, nil)
}

func (c *client) health(ctx context.Context) (*healthStatus, error) {
	var out healthStatus
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
