package persist

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/engramdb/engram/internal/graph"
)

const exportSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id          INTEGER PRIMARY KEY,
	level       INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	bias        REAL NOT NULL,
	activations INTEGER NOT NULL,
	ancestry    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS edges (
	source      INTEGER NOT NULL,
	target      INTEGER NOT NULL,
	weight      INTEGER NOT NULL,
	gate        INTEGER NOT NULL,
	context     BLOB,
	hits        INTEGER NOT NULL,
	last_used   INTEGER NOT NULL,
	PRIMARY KEY (source, target)
);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);
`

// Export mirrors the graph into a SQLite database for offline
// inspection. The mirror is a read-model only: nothing in the engine
// loads from it, and a failed export leaves the in-memory graph
// untouched.
func Export(ctx context.Context, dbPath string, store *graph.Store) error {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return fmt.Errorf("persist: open export db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite works best with a single writer

	if _, err := db.ExecContext(ctx, exportSchema); err != nil {
		return fmt.Errorf("persist: init export schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist: begin export: %w", err)
	}
	defer tx.Rollback()

	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO nodes (id, level, payload, bias, activations, ancestry)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("persist: prepare node insert: %w", err)
	}
	defer nodeStmt.Close()

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO edges (source, target, weight, gate, context, hits, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("persist: prepare edge insert: %w", err)
	}
	defer edgeStmt.Close()

	for _, id := range store.IDs() {
		n := store.Node(id)
		if n == nil {
			return fmt.Errorf("persist: node %d did not resolve: %w", id, graph.ErrNodeNotFound)
		}
		ancestry := ""
		for i, a := range n.Ancestry {
			if i > 0 {
				ancestry += ","
			}
			ancestry += fmt.Sprintf("%d", a)
		}
		if _, err := nodeStmt.ExecContext(ctx,
			int64(n.ID), int64(n.Level), n.Payload, n.Bias, int64(n.Activations), ancestry); err != nil {
			return fmt.Errorf("persist: export node %d: %w", id, err)
		}
		for i := range n.Edges {
			e := &n.Edges[i]
			if _, err := edgeStmt.ExecContext(ctx,
				int64(n.ID), int64(e.Target), int64(e.Weight), int64(e.Gate),
				e.Context[:e.ContextLen], int64(e.Hits), int64(e.LastUsed)); err != nil {
				return fmt.Errorf("persist: export edge %d->%d: %w", id, e.Target, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist: commit export: %w", err)
	}
	return nil
}
