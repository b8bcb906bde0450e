package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles workflow and execution persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the workflows and executions tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			nodes      JSONB NOT NULL DEFAULT '[]',
			edges      JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("init workflows schema: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id          UUID PRIMARY KEY,
			workflow_id UUID NOT NULL,
			status      TEXT NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			logs        JSONB NOT NULL DEFAULT '[]',
			output      JSONB,
			error       JSONB,
			warnings    JSONB
		)
	`)
	if err != nil {
		return fmt.Errorf("init executions schema: %w", err)
	}
	return nil
}

// Seed inserts the sample branching workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	nodesJSON, err := json.Marshal(sampleNodes)
	if err != nil {
		return fmt.Errorf("marshal seed nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(sampleEdges)
	if err != nil {
		return fmt.Errorf("marshal seed edges: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, nodes, edges)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, sampleWorkflowID, "Threshold Branch Workflow", nodesJSON, edgesJSON)
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (r *Repository) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var nodesJSON, edgesJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, name, nodes, edges, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id).Scan(&wf.ID, &wf.Name, &nodesJSON, &edgesJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	return &wf, nil
}

// SaveExecution persists a finished run's emitted record.
func (r *Repository) SaveExecution(ctx context.Context, workflowID string, res *RunResult) error {
	logsJSON, err := json.Marshal(res.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	outputJSON, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	var errJSON []byte
	if res.Error != nil {
		errJSON, err = json.Marshal(res.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}
	warningsJSON, err := json.Marshal(res.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, status, started_at, finished_at, duration_ms, logs, output, error, warnings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, res.RunID, workflowID, res.Status, res.StartedAt, res.FinishedAt, res.DurationMs, logsJSON, outputJSON, errJSON, warningsJSON)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// ListExecutions returns a workflow's runs, most recent first.
func (r *Repository) ListExecutions(ctx context.Context, workflowID string) ([]RunResult, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, workflow_id, status, started_at, finished_at, duration_ms, logs, output, error, warnings
		FROM executions WHERE workflow_id = $1
		ORDER BY started_at DESC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var results []RunResult
	for rows.Next() {
		res, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, rows.Err()
}

// GetExecution retrieves one run by its id. Returns nil, nil if not found.
func (r *Repository) GetExecution(ctx context.Context, runID string) (*RunResult, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, workflow_id, status, started_at, finished_at, duration_ms, logs, output, error, warnings
		FROM executions WHERE id = $1
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanExecution(rows)
}

func scanExecution(rows pgx.Rows) (*RunResult, error) {
	var res RunResult
	var logsJSON, outputJSON, errJSON, warningsJSON []byte
	err := rows.Scan(&res.RunID, &res.WorkflowID, &res.Status, &res.StartedAt, &res.FinishedAt,
		&res.DurationMs, &logsJSON, &outputJSON, &errJSON, &warningsJSON)
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if err := json.Unmarshal(logsJSON, &res.Logs); err != nil {
		return nil, fmt.Errorf("unmarshal logs: %w", err)
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &res.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if len(errJSON) > 0 {
		if err := json.Unmarshal(errJSON, &res.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &res.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	return &res, nil
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

const sampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

var sampleNodes = []Node{
	{
		ID: "trigger", Kind: KindManualTrigger, Name: "Start",
	},
	{
		ID: "defaults", Kind: "set", Name: "Default Threshold Input",
		Config: map[string]any{
			"values":       map[string]any{"x": 5},
			"keepExisting": true,
		},
	},
	{
		ID: "check", Kind: KindIfElse, Name: "Check Threshold",
		Config: map[string]any{
			"condition": "{{input.x}} > 3",
		},
	},
	{
		ID: "log-big", Kind: "log", Name: "Log Big",
		Config: map[string]any{"message": "big"},
	},
	{
		ID: "log-small", Kind: "log", Name: "Log Small",
		Config: map[string]any{"message": "small"},
	},
}

var sampleEdges = []Edge{
	{ID: "e1", Source: "trigger", Target: "defaults"},
	{ID: "e2", Source: "defaults", Target: "check"},
	{ID: "e3", Source: "check", Target: "log-big", Label: "true"},
	{ID: "e4", Source: "check", Target: "log-small", Label: "false"},
}
