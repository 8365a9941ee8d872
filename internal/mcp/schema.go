// Package mcp provides an MCP (Model Context Protocol) server over a
// running engram engine.
package mcp

// IngestInput defines the input for the engram_ingest tool.
type IngestInput struct {
	Data    string `json:"data" jsonschema:"Raw text to learn from"`
	Channel string `json:"channel,omitempty" jsonschema:"Origin tag for the bytes (e.g. 'chat'; default 'mcp')"`
}

// IngestOutput defines the output for the engram_ingest tool.
type IngestOutput struct {
	Bytes       int    `json:"bytes" jsonschema:"Number of bytes ingested"`
	Nodes       int    `json:"nodes" jsonschema:"Total nodes in the graph after ingestion"`
	Edges       uint64 `json:"edges" jsonschema:"Total edges in the graph after ingestion"`
	Hierarchies int    `json:"hierarchies" jsonschema:"Total hierarchy nodes after ingestion"`
}

// GenerateInput defines the input for the engram_generate tool.
type GenerateInput struct {
	Probe string `json:"probe" jsonschema:"Text whose continuation to generate"`
}

// GenerateOutput defines the output for the engram_generate tool.
type GenerateOutput struct {
	Output string `json:"output" jsonschema:"Generated continuation"`
}

// FeedbackInput defines the input for the engram_feedback tool.
type FeedbackInput struct {
	Signal float64 `json:"signal" jsonschema:"Correctness of the last generation: 0.0 wrong to 1.0 right"`
}

// FeedbackOutput defines the output for the engram_feedback tool.
type FeedbackOutput struct {
	EdgesAdjusted int    `json:"edges_adjusted" jsonschema:"Number of traversed edges whose weight moved"`
	Message       string `json:"message" jsonschema:"Human-readable result"`
}

// ReinforceInput defines the input for the engram_reinforce tool.
type ReinforceInput struct {
	Sequence  string `json:"sequence" jsonschema:"Full training sequence including the prefix"`
	PrefixLen int    `json:"prefix_len,omitempty" jsonschema:"Length of the prefix; bytes after it are reinforced"`
}

// ReinforceOutput defines the output for the engram_reinforce tool.
type ReinforceOutput struct {
	Message string `json:"message" jsonschema:"Human-readable result"`
}

// StatsInput defines the input for the engram_stats tool.
type StatsInput struct{}

// StatsOutput defines the output for the engram_stats tool.
type StatsOutput struct {
	Nodes       int    `json:"nodes" jsonschema:"Live nodes in the graph"`
	Edges       uint64 `json:"edges" jsonschema:"Edges in the graph"`
	Hierarchies int    `json:"hierarchies" jsonschema:"Hierarchy nodes"`
	MaxLevel    uint32 `json:"max_level" jsonschema:"Deepest abstraction level"`
	Adaptations uint32 `json:"adaptations" jsonschema:"Ingest and generate passes so far"`
}

// BackupInput defines the input for the engram_backup tool.
type BackupInput struct {
	Keep int `json:"keep,omitempty" jsonschema:"Rotate to this many backups after creating one (0 keeps all)"`
}

// BackupOutput defines the output for the engram_backup tool.
type BackupOutput struct {
	Path    string `json:"path" jsonschema:"Path of the created backup"`
	Message string `json:"message" jsonschema:"Human-readable result"`
}

// ExportInput defines the input for the engram_export tool.
type ExportInput struct {
	Path string `json:"path,omitempty" jsonschema:"Destination SQLite file inside the engine directory (default graph.db)"`
}

// ExportOutput defines the output for the engram_export tool.
type ExportOutput struct {
	Path    string `json:"path" jsonschema:"Path of the exported database"`
	Message string `json:"message" jsonschema:"Human-readable result"`
}
