package integration

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

// writeTestConfig writes a config map to a temporary JSON file and returns its path.
func writeTestConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("Failed to marshal test config: %v", err)
	}
	f, err := os.CreateTemp(t.TempDir(), "config-*.json")
	if err != nil {
		t.Fatalf("Failed to create temp config file: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Failed to close temp config: %v", err)
	}
	return f.Name()
}

// freeAddr returns a loopback address nothing listens on
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// startFedLogin starts the binary with the given config and waits for /health
func startFedLogin(t *testing.T, configPath, addr string, extraEnv ...string) {
	t.Helper()
	cmd := exec.Command(binaryPath, "-config", configPath)
	cmd.Env = append(os.Environ(), "FEDLOGIN_ENV=development")
	cmd.Env = append(cmd.Env, extraEnv...)
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cmd.Env = append(cmd.Env, "LOG_LEVEL="+logLevel)
	}
	if os.Getenv("TRACE") == "1" {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start fedlogin: %v", err)
	}
	t.Cleanup(func() { stopFedLogin(cmd) })

	waitForHealth(t, "http://"+addr+"/health")
}

// stopFedLogin stops the server gracefully, killing it after 5 seconds
func stopFedLogin(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

func waitForHealth(t *testing.T, url string) {
	t.Helper()
	for range 50 {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("fedlogin failed to become ready at %s", url)
}

// noRedirectClient stops at the first redirect so tests can read Location
func noRedirectClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
