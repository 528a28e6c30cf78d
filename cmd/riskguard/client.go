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

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
)

// addClientFlags registers the flags shared by commands that talk to a
// running server.
func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (default from config or http://localhost:8080)")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default from config)")
}

type apiClient struct {
	base   string
	key    string
	client *http.Client
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause"`
}

func (e *apiError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func newAPIClient() (*apiClient, error) {
	c := &apiClient{
		base:   serverURL,
		key:    apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	if c.base == "" || c.key == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if c.base == "" {
			host := cfg.Server.Host
			if host == "" || host == "0.0.0.0" {
				host = "localhost"
			}
			c.base = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
		}
		if c.key == "" {
			c.key = cfg.Server.APIKey
		}
	}
	c.base = strings.TrimRight(c.base, "/")
	return c, nil
}

// do sends body as JSON and decodes the envelope's data into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var envelope struct {
			Error apiError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Code == "" {
			return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		return &envelope.Error
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return json.Unmarshal(envelope.Data, out)
}
