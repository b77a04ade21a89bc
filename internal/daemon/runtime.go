package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/config"
)

// RuntimeInfo records the running daemon's address so the CLI can
// find it without configuration.
type RuntimeInfo struct {
	PID  int    `json:"pid"`
	Addr string `json:"addr"`
}

// RuntimePath returns the path of the runtime info file.
func RuntimePath() string {
	return filepath.Join(config.DataDir(), "runtime.json")
}

// WriteRuntime saves the daemon runtime info.
func WriteRuntime(addr string) error {
	info := RuntimeInfo{PID: os.Getpid(), Addr: addr}
	path := RuntimePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadRuntime reads the daemon runtime info.
func ReadRuntime() (*RuntimeInfo, error) {
	data, err := os.ReadFile(RuntimePath())
	if err != nil {
		return nil, err
	}
	var info RuntimeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RemoveRuntime deletes the runtime info file.
func RemoveRuntime() {
	_ = os.Remove(RuntimePath())
}

// IsDaemonAlive reports whether a daemon responds on addr.
func IsDaemonAlive(addr string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/api/health", addr))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// FindAvailablePort returns addr if its port is free, otherwise an
// address on the same host with an OS-assigned free port.
func FindAvailablePort(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		ln.Close()
		return addr, nil
	}
	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return "", fmt.Errorf("invalid server address %q: %w", addr, splitErr)
	}
	ln, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("no available port on %s: %w", host, err)
	}
	free := ln.Addr().String()
	ln.Close()
	return free, nil
}
