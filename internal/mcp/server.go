package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chatrecall/chatrecall/internal/config"
	"github.com/chatrecall/chatrecall/internal/embed"
	recallerr "github.com/chatrecall/chatrecall/internal/errors"
	"github.com/chatrecall/chatrecall/internal/index"
	"github.com/chatrecall/chatrecall/internal/retrieval"
	"github.com/chatrecall/chatrecall/internal/telemetry"
	"github.com/chatrecall/chatrecall/pkg/version"
)

// RetrieveEngine answers questions. Implemented by retrieval.Retriever.
type RetrieveEngine interface {
	Retrieve(ctx context.Context, conversationID, question string, opts retrieval.Options) (*retrieval.Result, error)
}

// IndexControl exposes the orchestrator's operational surface.
type IndexControl interface {
	Status(ctx context.Context) (map[string]index.HandlerStatus, error)
	ReindexAll(ctx context.Context, target string) error
}

// Server bridges MCP clients with the retriever and the indexing
// orchestrator.
type Server struct {
	mcp      *mcp.Server
	engine   RetrieveEngine
	indexer  IndexControl
	embedder embed.Embedder
	counters *telemetry.RecordingSink
	cfg      *config.Config
	logger   *slog.Logger
}

// ServerConfig wires a Server. Engine and Indexer are required;
// Counters enables per-handler metrics in indexing_status output.
type ServerConfig struct {
	Engine   RetrieveEngine
	Indexer  IndexControl
	Embedder embed.Embedder
	Counters *telemetry.RecordingSink
	Config   *config.Config
	Logger   *slog.Logger
}

// NewServer creates the MCP server and registers its tools.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, recallerr.CapabilityError("mcp server requires a retrieve engine")
	}
	if cfg.Indexer == nil {
		return nil, recallerr.CapabilityError("mcp server requires index control")
	}
	if cfg.Config == nil {
		cfg.Config = config.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		engine:   cfg.Engine,
		indexer:  cfg.Indexer,
		embedder: cfg.Embedder,
		counters: cfg.Counters,
		cfg:      cfg.Config,
		logger:   cfg.Logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: "chatrecall", Version: version.Version},
		nil,
	)
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "retrieve",
		Description: "Answer a question from conversation memory. Searches both the " +
			"message index and the dialog-window index with multiple query phrasings, " +
			"fuses the results, and returns ranked passages with a confidence verdict. " +
			"A confidence of 'none' means the memory holds nothing relevant; do not guess.",
	}, s.retrieveHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "indexing_status",
		Description: "Report background indexing progress per indexer: state, totals, " +
			"pending backlog, and failure/backoff counters. Use this to check whether " +
			"recent messages are searchable yet.",
	}, s.indexingStatusHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "reindex",
		Description: "Drop and rebuild the vector indexes for one conversation, or all " +
			"of them with target '*'. Destructive; requires confirm=true.",
	}, s.reindexHandler)

	s.logger.Info("MCP tools registered", slog.Int("count", 3))
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Serve runs the server over the configured transport until the
// context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	transport := s.cfg.Server.Transport
	s.logger.Info("starting MCP server", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && err != context.Canceled {
			s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("MCP server stopped")
		return nil
	default:
		return recallerr.ConfigError(fmt.Sprintf("unknown transport %q (supported: stdio)", transport), nil)
	}
}
