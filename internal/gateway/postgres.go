package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"inkwell/sync/internal/state"
)

// Open dials Postgres through the pgx stdlib driver with the pool settings
// used for long-lived daemon connections.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresGateway implements PersistenceGateway directly against a Postgres
// database, for self-hosted deployments that skip the hosted service.
type PostgresGateway struct {
	db *sql.DB
}

func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

func (g *PostgresGateway) LoadSnapshot(ctx context.Context, projectID string) (*state.ProjectSnapshot, error) {
	var payload []byte
	err := g.db.QueryRowContext(ctx,
		`SELECT payload FROM projects WHERE id = $1`, projectID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(KindTransport, "LOAD_FAILED", "load snapshot", err)
	}

	var snapshot state.ProjectSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, newError(KindSerialization, "DECODE_FAILED", "decode snapshot payload", err)
	}
	return &snapshot, nil
}

func (g *PostgresGateway) SaveSnapshot(ctx context.Context, snapshot *state.ProjectSnapshot) (SaveResult, error) {
	if snapshot == nil || snapshot.ID == "" {
		return SaveResult{}, newError(KindValidation, "SNAPSHOT_INVALID", "snapshot missing project id", nil)
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return SaveResult{}, newError(KindSerialization, "ENCODE_FAILED", "encode snapshot payload", err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO projects (id, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`, snapshot.ID, payload)
	if err != nil {
		return SaveResult{}, newError(KindTransport, "SAVE_FAILED", "upsert snapshot", err)
	}
	return SaveResult{Success: true}, nil
}

func (g *PostgresGateway) AppendMessage(ctx context.Context, sessionID string, role state.Role, content string, timestamp time.Time) error {
	if !role.Valid() {
		return newError(KindValidation, "ROLE_INVALID", fmt.Sprintf("unknown role %q", role), nil)
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)
	`, sessionID, string(role), content, timestamp.UTC())
	if err != nil {
		return newError(KindTransport, "APPEND_FAILED", "insert chat message", err)
	}
	return nil
}

func (g *PostgresGateway) LoadMessagePage(ctx context.Context, limit int, before *time.Time, sessionID string) ([]MessageRecord, error) {
	query := `
		SELECT id, session_id, role, content, created_at
		FROM chat_messages
	`
	conditions := ""
	args := []any{}
	if sessionID != "" {
		args = append(args, sessionID)
		conditions = fmt.Sprintf("WHERE session_id = $%d", len(args))
	}
	if before != nil {
		args = append(args, before.UTC())
		clause := fmt.Sprintf("created_at < $%d", len(args))
		if conditions == "" {
			conditions = "WHERE " + clause
		} else {
			conditions += " AND " + clause
		}
	}
	args = append(args, limit)
	query += conditions + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newError(KindTransport, "PAGE_FAILED", "query chat messages", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var (
			id        int64
			session   string
			role      string
			content   string
			createdAt time.Time
		)
		if err := rows.Scan(&id, &session, &role, &content, &createdAt); err != nil {
			return nil, newError(KindTransport, "PAGE_SCAN", "scan chat message", err)
		}
		ts, err := json.Marshal(createdAt.UTC().Format(time.RFC3339))
		if err != nil {
			return nil, newError(KindSerialization, "ENCODE_FAILED", "encode timestamp", err)
		}
		records = append(records, MessageRecord{
			ID:        strconv.FormatInt(id, 10),
			SessionID: session,
			Role:      role,
			Content:   content,
			Timestamp: ts,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, newError(KindTransport, "PAGE_ROWS", "iterate chat messages", err)
	}
	return records, nil
}

func (g *PostgresGateway) DeleteItem(ctx context.Context, itemID string) error {
	id, err := strconv.ParseInt(itemID, 10, 64)
	if err != nil {
		// Client-generated ids never reached the database.
		return nil
	}
	if _, err := g.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = $1`, id); err != nil {
		return newError(KindTransport, "DELETE_FAILED", "delete chat message", err)
	}
	return nil
}
