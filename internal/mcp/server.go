package mcp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/engine"
	"github.com/engramdb/engram/internal/ratelimit"
)

// Server wraps the MCP SDK server around a running engine.
type Server struct {
	server       *sdk.Server
	engine       *engine.Engine
	dir          string
	toolLimiters ratelimit.ToolLimiters
}

// Config holds server configuration.
type Config struct {
	Name    string // server name (e.g. "engram")
	Version string // server version
	Dir     string // engine directory
	Engram  *config.EngramConfig
}

// NewServer opens the engine at cfg.Dir and registers the engram tools.
func NewServer(cfg *Config) (*Server, error) {
	eng, err := engine.Open(cfg.Dir, cfg.Engram)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, nil)

	s := &Server{
		server:       mcpServer,
		engine:       eng,
		dir:          cfg.Dir,
		toolLimiters: ratelimit.NewToolLimiters(),
	}
	s.registerTools()
	s.registerResources()
	return s, nil
}

// Run serves over stdio until the client disconnects or the context is
// cancelled. The engine is closed (and its snapshot saved) on the way
// out.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	err := s.server.Run(ctx, &sdk.StdioTransport{})
	if cerr := s.engine.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close saves the snapshot and releases the engine.
func (s *Server) Close() error {
	return s.engine.Close()
}
