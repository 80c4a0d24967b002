package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines node persistence.
type Repository interface {
	// List returns all nodes ordered by name.
	List(ctx context.Context) ([]Node, error)

	// GetByID returns ErrNodeNotFound if the node does not exist.
	GetByID(ctx context.Context, id string) (*Node, error)

	// Create validates and inserts a node, assigning ID and CreatedAt when
	// empty. Returns ErrNodeExists if the set/node pair is already stored.
	Create(ctx context.Context, n *Node) error

	// Delete returns ErrNodeNotFound if the node does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectNodes = `
	SELECT id, set_id, node_id, name, measurement, created_at
	FROM nodes`

// List returns all nodes ordered by name, then ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]Node, error) {
	rows, err := r.db.QueryContext(ctx, selectNodes+` ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

// GetByID retrieves a node by its local identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Node, error) {
	row := r.db.QueryRowContext(ctx, selectNodes+` WHERE id = ?`, id)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("querying node by id: %w", err)
	}
	return n, nil
}

// Create inserts a node.
func (r *SQLiteRepository) Create(ctx context.Context, n *Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = GenerateID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes (id, set_id, node_id, name, measurement, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.SetID, n.NodeID, n.Name, n.Measurement,
		n.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrNodeExists
		}
		return fmt.Errorf("inserting node: %w", err)
	}
	return nil
}

// Delete removes a node by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(scanner rowScanner) (*Node, error) {
	var n Node
	var createdAt string
	if err := scanner.Scan(&n.ID, &n.SetID, &n.NodeID, &n.Name, &n.Measurement, &createdAt); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	n.CreatedAt = t
	return &n, nil
}

// isUniqueConstraintError matches go-sqlite3's constraint message.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
