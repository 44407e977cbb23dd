// Package it runs end-to-end tests against geostore processes.
package it

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"geoconflict/internal/node"
	"geoconflict/internal/replica"
)

// Server is one geostore process.
type Server struct {
	Name   string
	Addr   string
	Port   int
	args   []string
	cmd    *exec.Cmd
	log    *os.File
	client *node.Client
}

// Harness starts and stops geostore processes.
type Harness struct {
	binaryPath string
	logDir     string

	mu      sync.Mutex
	servers []*Server
}

// NewHarness creates a harness running the binary at binaryPath.
func NewHarness(binaryPath string) (*Harness, error) {
	logDir := filepath.Join(".local", "it-logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Harness{binaryPath: binaryPath, logDir: logDir}, nil
}

// Start starts a geostore process on port with extra flags and waits until
// every region it serves reports healthy.
func (h *Harness) Start(ctx context.Context, name string, port int, args ...string) (*Server, error) {
	s := &Server{
		Name: name,
		Addr: fmt.Sprintf("127.0.0.1:%d", port),
		Port: port,
		args: append([]string{"-listen", fmt.Sprintf("127.0.0.1:%d", port)}, args...),
	}
	if err := h.launch(ctx, s); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.servers = append(h.servers, s)
	h.mu.Unlock()
	return s, nil
}

func (h *Harness) launch(ctx context.Context, s *Server) error {
	logFile, err := os.Create(filepath.Join(h.logDir, s.Name+".log"))
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.binaryPath, s.args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start %s: %w", s.Name, err)
	}
	s.cmd, s.log = cmd, logFile

	client, err := node.Dial(s.Addr)
	if err != nil {
		s.kill()
		return fmt.Errorf("failed to dial %s: %w", s.Name, err)
	}
	s.client = client

	if err := waitForReady(ctx, s, 10*time.Second); err != nil {
		s.kill()
		return fmt.Errorf("%s failed to become ready: %w", s.Name, err)
	}
	return nil
}

// waitForReady waits until the node describes itself and every region passes
// its health check.
func waitForReady(ctx context.Context, s *Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eps, err := s.endpoints(ctx)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		if err := replica.WaitProvisioned(ctx, ep, 100*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) endpoints(ctx context.Context) ([]*node.RemoteEndpoint, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		eps, err := s.client.Endpoints(ctx)
		if err == nil {
			return eps, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("describe %s: %w", s.Name, err)
		case <-ticker.C:
		}
	}
}

// Endpoints returns the regions the server serves.
func (s *Server) Endpoints(ctx context.Context) ([]*node.RemoteEndpoint, error) {
	return s.endpoints(ctx)
}

// Restart kills the process and starts it again with the same flags.
func (h *Harness) Restart(ctx context.Context, s *Server) error {
	s.kill()
	return h.launch(ctx, s)
}

func (s *Server) kill() {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	if s.log != nil {
		s.log.Close()
		s.log = nil
	}
}

// Stop stops every server.
func (h *Harness) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.servers {
		s.kill()
	}
	h.servers = nil
}
