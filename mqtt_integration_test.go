package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// lockedBuffer collects process output written from exec's copy goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func integrationBroker() string {
	if b := os.Getenv("MQTT_TEST_BROKER"); b != "" {
		return b
	}
	return "tcp://localhost:1883"
}

// buildBinary compiles the service into dir.
func buildBinary(t *testing.T, dir string) string {
	t.Helper()
	binaryPath := filepath.Join(dir, "firemesh-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return binaryPath
}

// TestMQTTServiceStartupShutdown tests the full pipeline plus MQTT service lifecycle
func TestMQTTServiceStartupShutdown(t *testing.T) {
	// Skip if not running integration tests
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	detPath, perimPath := writeFixtures(t)

	configYAML := fmt.Sprintf(`mqtt:
  broker: %q
  publishPrefix: "firemesh-test"
  clientId: "firemesh-test"
reconstruction:
  method: concave
`, integrationBroker())

	configPath := filepath.Join(tmpDir, "test-config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	binaryPath := buildBinary(t, tmpDir)
	dbPath := filepath.Join(tmpDir, "firemesh.db")

	tests := []struct {
		name           string
		args           []string
		expectInOutput []string
		expectFailure  bool
		timeout        time.Duration
	}{
		{
			name: "pipeline then service",
			args: []string{
				"--config=" + configPath, "--db=" + dbPath, "--mode=final",
				"--detections=" + detPath, "--perimeters=" + perimPath,
				"--out=" + filepath.Join(tmpDir, "out.geojson"), "--mqtt",
			},
			expectInOutput: []string{
				"Loaded config from",
				"Stored dataset as run",
				"Starting firemesh service",
				"MQTT result publisher initialized",
				"firemesh-test/request",
				"Press Ctrl+C to stop",
			},
			timeout: 10 * time.Second,
		},
		{
			name: "service from stored run",
			args: []string{"--config=" + configPath, "--db=" + dbPath, "--mqtt"},
			expectInOutput: []string{
				"Loaded run",
				"Run: ",
				"Summary:  firemesh-test/summary",
			},
			timeout: 5 * time.Second,
		},
		{
			name: "missing config file",
			args: []string{"--mqtt", "--config=nonexistent.yaml"},
			expectInOutput: []string{
				"Starting firemesh service",
				"config file not found",
			},
			expectFailure: true,
			timeout:       2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			cmd := exec.CommandContext(ctx, binaryPath, tt.args...)
			output, err := cmd.CombinedOutput()
			outputStr := string(output)

			for _, expected := range tt.expectInOutput {
				if !strings.Contains(outputStr, expected) {
					t.Errorf("Expected output to contain '%s', but it didn't.\nFull output:\n%s",
						expected, outputStr)
				}
			}

			if tt.expectFailure && err == nil {
				t.Error("Expected command to fail, but it succeeded")
			}
		})
	}
}

// TestHTTPServiceSignalHandling serves a run over HTTP and checks SIGINT handling
func TestHTTPServiceSignalHandling(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	detPath, perimPath := writeFixtures(t)
	binaryPath := buildBinary(t, tmpDir)

	const port = 18089
	cmd := exec.Command(binaryPath,
		"--config=", "--db="+filepath.Join(tmpDir, "firemesh.db"),
		"--detections="+detPath, "--perimeters="+perimPath,
		"--out="+filepath.Join(tmpDir, "out.geojson"),
		"--http", fmt.Sprintf("--http-port=%d", port))
	var output lockedBuffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	// Wait for the pipeline to finish and the server to come up
	var health struct {
		HasData bool `json:"hasData"`
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&health)
			resp.Body.Close()
			if err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			_ = cmd.Process.Kill()
			t.Fatalf("service did not come up: %v\n%s", err, output.String())
		}
		time.Sleep(200 * time.Millisecond)
	}
	if !health.HasData {
		t.Error("expected the freshly computed run to be served")
	}

	// Send SIGINT
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Logf("Failed to send SIGINT (process may have already exited): %v", err)
	}

	// Wait for graceful shutdown
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("service exited with error: %v\n%s", err, output.String())
		}
		if !strings.Contains(output.String(), "Service stopped") {
			t.Errorf("expected graceful shutdown message.\nFull output:\n%s", output.String())
		}
	case <-time.After(5 * time.Second):
		t.Error("Service did not shut down within timeout")
		if err := cmd.Process.Kill(); err != nil {
			t.Logf("Failed to kill process: %v", err)
		}
	}
}
