package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// apiEnvelope is the daemon's uniform response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// client talks to the daemon over the unix socket when it exists, over TCP
// otherwise.
type client struct {
	http *http.Client
	base string
}

func newClient() *client {
	if _, err := os.Stat(flagSocket); err == nil {
		return &client{
			http: &http.Client{
				Transport: &http.Transport{
					DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
						var d net.Dialer
						return d.DialContext(ctx, "unix", flagSocket)
					},
				},
				Timeout: 30 * time.Second,
			},
			base: "http://taskqd/api/v1",
		}
	}

	return &client{
		http: &http.Client{Timeout: 30 * time.Second},
		base: "http://" + flagServer + "/api/v1",
	}
}

// do sends a request and decodes the data payload into out (when non-nil).
// Daemon-reported failures come back as plain errors carrying the message
// verbatim.
func (c *client) do(method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if flagToken != "" {
		req.Header.Set(flagHeader, flagToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("unexpected response (status %d)", resp.StatusCode)
	}
	if env.Error != nil {
		return fmt.Errorf("%s", env.Error.Message)
	}
	if !env.Success {
		return fmt.Errorf("request failed (status %d)", resp.StatusCode)
	}

	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// printJSON renders a payload for the terminal.
func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
