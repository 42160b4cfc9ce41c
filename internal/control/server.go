// Package control provides a Unix socket status/admin interface for qnet-htx.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/qnetproto/qnet-htx/internal/identity"
)

// AgentInfo provides the runtime state the control interface reports.
type AgentInfo interface {
	// ID returns the agent's local identity.
	ID() identity.AgentID

	// IsRunning returns true if the agent is running.
	IsRunning() bool

	// StreamCount returns the number of currently open mux streams.
	StreamCount() int

	// EncryptionEpoch returns the mux's current key-rotation counter.
	EncryptionEpoch() uint64

	// BootstrapState reports the current seed-resolution state
	// ("disabled", "resolving", "ready", or "failed").
	BootstrapState() string
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	AgentID         string `json:"agent_id"`
	Running         bool   `json:"running"`
	StreamCount     int    `json:"stream_count"`
	EncryptionEpoch uint64 `json:"encryption_epoch"`
	BootstrapState  string `json:"bootstrap_state"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for status/admin commands.
type Server struct {
	cfg      ServerConfig
	agent    AgentInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, agent AgentInfo) *Server {
	s := &Server{
		cfg:   cfg,
		agent: agent,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		AgentID:         s.agent.ID().ShortString(),
		Running:         s.agent.IsRunning(),
		StreamCount:     s.agent.StreamCount(),
		EncryptionEpoch: s.agent.EncryptionEpoch(),
		BootstrapState:  s.agent.BootstrapState(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
