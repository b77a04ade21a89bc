package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/daemon"
)

// getDaemonAddr resolves the daemon base URL: the --server flag wins,
// otherwise the runtime file written by the daemon.
func getDaemonAddr() (string, error) {
	if serverAddr != "" {
		return "http://" + serverAddr, nil
	}
	info, err := daemon.ReadRuntime()
	if err != nil {
		return "", fmt.Errorf("daemon not running (start with: mergehawk daemon run)")
	}
	if !daemon.IsDaemonAlive(info.Addr) {
		return "", fmt.Errorf("daemon not responding on %s (start with: mergehawk daemon run)", info.Addr)
	}
	return "http://" + info.Addr, nil
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// apiGet fetches path from the daemon and decodes the JSON response
// into out.
func apiGet(path string, out interface{}) error {
	base, err := getDaemonAddr()
	if err != nil {
		return err
	}
	resp, err := apiClient().Get(base + path)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

// apiPost sends body as JSON to path and decodes the response into out
// (out may be nil).
func apiPost(path string, body, out interface{}) error {
	base, err := getDaemonAddr()
	if err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := apiClient().Post(base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func decodeAPIResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
