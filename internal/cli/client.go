package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// apiError mirrors the daemon's error envelope
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details []struct {
		Field string      `json:"field"`
		Value interface{} `json:"value"`
		Issue string      `json:"issue"`
	} `json:"details"`
}

func (e *apiError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, d := range e.Details {
		switch {
		case d.Issue != "":
			fmt.Fprintf(&b, "\n  %s: %s", d.Field, d.Issue)
		case d.Value != nil:
			fmt.Fprintf(&b, "\n  %s: %v", d.Field, d.Value)
		}
	}
	return b.String()
}

// client talks to the daemon's control API
type client struct {
	baseURL string
	http    *http.Client
}

func newClient() *client {
	return &client{
		baseURL: strings.TrimRight(viper.GetString("server"), "/") + "/api/v1",
		// Disabling waits for open connections to drain
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// do sends body as JSON and decodes a successful response into out.
// A non-2xx response is returned as *apiError.
func (c *client) do(method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach portswitch daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			return resp.StatusCode, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return resp.StatusCode, apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
