package mcp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/engramdb/engram/internal/backup"
	"github.com/engramdb/engram/internal/engine"
	"github.com/engramdb/engram/internal/pathutil"
	"github.com/engramdb/engram/internal/ratelimit"
)

// registerTools registers the engram MCP tools with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "engram_ingest",
		Description: "Feed raw text into the graph so the engine learns its byte transitions",
	}, s.handleIngest)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "engram_generate",
		Description: "Generate a continuation for a probe from learned transitions",
	}, s.handleGenerate)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "engram_feedback",
		Description: "Score the most recent generation: 0.0 wrong through 1.0 right",
	}, s.handleFeedback)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "engram_reinforce",
		Description: "Reinforce the known-correct continuation of a training sequence",
	}, s.handleReinforce)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "engram_stats",
		Description: "Report the graph's current shape: nodes, edges, hierarchies, levels",
	}, s.handleStats)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "engram_backup",
		Description: "Save the snapshot and copy it into the backup directory",
	}, s.handleBackup)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "engram_export",
		Description: "Mirror the graph into a SQLite database for external inspection",
	}, s.handleExport)
}

// registerResources registers the graph summary resource.
func (s *Server) registerResources() {
	s.server.AddResource(&sdk.Resource{
		URI:         "engram://graph/stats",
		Name:        "engram-graph-stats",
		Description: "Current shape of the learned graph.",
		MIMEType:    "text/markdown",
	}, s.handleStatsResource)
}

func (s *Server) handleIngest(ctx context.Context, req *sdk.CallToolRequest, args IngestInput) (*sdk.CallToolResult, IngestOutput, error) {
	if err := s.checkLimit("engram_ingest"); err != nil {
		return nil, IngestOutput{}, err
	}
	if args.Data == "" {
		return nil, IngestOutput{}, fmt.Errorf("data is required")
	}
	channel := args.Channel
	if channel == "" {
		channel = "mcp"
	}

	if err := s.engine.Ingest(ctx, []byte(args.Data), channel); err != nil {
		return nil, IngestOutput{}, err
	}
	st := s.engine.Stats()
	return nil, IngestOutput{
		Bytes:       len(args.Data),
		Nodes:       st.Nodes,
		Edges:       st.Edges,
		Hierarchies: st.Hierarchies,
	}, nil
}

func (s *Server) handleGenerate(ctx context.Context, req *sdk.CallToolRequest, args GenerateInput) (*sdk.CallToolResult, GenerateOutput, error) {
	if err := s.checkLimit("engram_generate"); err != nil {
		return nil, GenerateOutput{}, err
	}
	if args.Probe == "" {
		return nil, GenerateOutput{}, fmt.Errorf("probe is required")
	}

	out, err := s.engine.Generate(ctx, []byte(args.Probe))
	if err != nil {
		return nil, GenerateOutput{}, err
	}
	return nil, GenerateOutput{Output: string(out)}, nil
}

func (s *Server) handleFeedback(ctx context.Context, req *sdk.CallToolRequest, args FeedbackInput) (*sdk.CallToolResult, FeedbackOutput, error) {
	if err := s.checkLimit("engram_feedback"); err != nil {
		return nil, FeedbackOutput{}, err
	}
	if args.Signal < 0 || args.Signal > 1 {
		return nil, FeedbackOutput{}, fmt.Errorf("signal must be between 0.0 and 1.0, got %v", args.Signal)
	}

	adjusted, err := s.engine.Feedback(args.Signal)
	if err != nil {
		return nil, FeedbackOutput{}, err
	}
	msg := fmt.Sprintf("adjusted %d edges", adjusted)
	if adjusted == 0 {
		msg = "no pending generation to score"
	}
	return nil, FeedbackOutput{EdgesAdjusted: adjusted, Message: msg}, nil
}

func (s *Server) handleReinforce(ctx context.Context, req *sdk.CallToolRequest, args ReinforceInput) (*sdk.CallToolResult, ReinforceOutput, error) {
	if err := s.checkLimit("engram_reinforce"); err != nil {
		return nil, ReinforceOutput{}, err
	}
	if args.Sequence == "" {
		return nil, ReinforceOutput{}, fmt.Errorf("sequence is required")
	}
	if args.PrefixLen < 0 || args.PrefixLen >= len(args.Sequence) {
		return nil, ReinforceOutput{}, fmt.Errorf("prefix_len must be inside the sequence")
	}

	if err := s.engine.StrengthenContinuation([]byte(args.Sequence), args.PrefixLen); err != nil {
		return nil, ReinforceOutput{}, err
	}
	return nil, ReinforceOutput{
		Message: fmt.Sprintf("reinforced %d continuation bytes", len(args.Sequence)-args.PrefixLen),
	}, nil
}

func (s *Server) handleStats(ctx context.Context, req *sdk.CallToolRequest, args StatsInput) (*sdk.CallToolResult, StatsOutput, error) {
	if err := s.checkLimit("engram_stats"); err != nil {
		return nil, StatsOutput{}, err
	}
	st := s.engine.Stats()
	return nil, StatsOutput{
		Nodes:       st.Nodes,
		Edges:       st.Edges,
		Hierarchies: st.Hierarchies,
		MaxLevel:    st.MaxLevel,
		Adaptations: st.Adaptations,
	}, nil
}

func (s *Server) handleBackup(ctx context.Context, req *sdk.CallToolRequest, args BackupInput) (*sdk.CallToolResult, BackupOutput, error) {
	if err := s.checkLimit("engram_backup"); err != nil {
		return nil, BackupOutput{}, err
	}

	if err := s.engine.Save(); err != nil {
		return nil, BackupOutput{}, err
	}
	dir := backup.DefaultDir(s.dir)
	path, err := backup.Backup(filepath.Join(s.dir, engine.SnapshotName), dir)
	if err != nil {
		return nil, BackupOutput{}, err
	}
	if args.Keep > 0 {
		if err := backup.Rotate(dir, args.Keep); err != nil {
			return nil, BackupOutput{}, err
		}
	}
	return nil, BackupOutput{Path: path, Message: "backup created"}, nil
}

func (s *Server) handleExport(ctx context.Context, req *sdk.CallToolRequest, args ExportInput) (*sdk.CallToolResult, ExportOutput, error) {
	if err := s.checkLimit("engram_export"); err != nil {
		return nil, ExportOutput{}, err
	}

	path := args.Path
	if path == "" {
		path = filepath.Join(s.dir, "graph.db")
	} else if err := pathutil.ValidatePath(path, []string{s.dir}); err != nil {
		return nil, ExportOutput{}, err
	}
	if err := s.engine.Export(ctx, path); err != nil {
		return nil, ExportOutput{}, err
	}
	return nil, ExportOutput{Path: path, Message: "graph exported"}, nil
}

// handleStatsResource renders the graph summary for context injection.
func (s *Server) handleStatsResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	st := s.engine.Stats()

	var sb strings.Builder
	sb.WriteString("# Engram Graph\n\n")
	fmt.Fprintf(&sb, "- Nodes: %d\n", st.Nodes)
	fmt.Fprintf(&sb, "- Edges: %d\n", st.Edges)
	fmt.Fprintf(&sb, "- Hierarchies: %d (max level %d)\n", st.Hierarchies, st.MaxLevel)
	fmt.Fprintf(&sb, "- Adaptations: %d\n", st.Adaptations)

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{
				URI:      "engram://graph/stats",
				MIMEType: "text/markdown",
				Text:     sb.String(),
			},
		},
	}, nil
}

func (s *Server) checkLimit(tool string) error {
	return ratelimit.CheckLimit(s.toolLimiters, tool)
}
