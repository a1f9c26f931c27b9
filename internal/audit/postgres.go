package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bastion.dev/internal/obs"
	"bastion.dev/internal/tracing"
)

var (
	_ Writer     = (*PGStore)(nil)
	_ AlertStore = (*PGStore)(nil)
)

// PGStore persists audit events and security alerts in PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const (
	eventColumns = 10

	// maxEventsPerStatement keeps one insert within the 65535 bind
	// parameters a Postgres statement may carry.
	maxEventsPerStatement = 65535 / eventColumns
)

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func eventArgs(e Event) ([]any, error) {
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata for %s: %w", e.ID, err)
	}
	return []any{e.ID, e.EventType, nullString(e.UserID), e.IPAddress, nullString(e.UserAgent),
		nullString(e.Resource), e.Action, string(e.Result), meta, e.Timestamp}, nil
}

func insertEventsSQL(rows int) string {
	var sb strings.Builder
	sb.WriteString(`insert into audit_logs(id, event_type, user_id, ip_address, user_agent, resource, action, result, metadata, created_at) values `)
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * eventColumns
		sb.WriteByte('(')
		for c := 1; c <= eventColumns; c++ {
			if c > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", base+c)
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// InsertEvents writes the batch inside one transaction, as multi-row inserts
// of at most maxEventsPerStatement rows: either every event lands or none
// does. An event whose metadata cannot be encoded is logged and left out
// rather than failing the batch.
func (s *PGStore) InsertEvents(ctx context.Context, events []Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	ctx, end := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationInsert)
	defer func() { end(err) }()

	rows := make([][]any, 0, len(events))
	for _, e := range events {
		args, err := eventArgs(e)
		if err != nil {
			obs.AuditQuarantined()
			slog.Error("audit event quarantined", "event_id", e.ID, "event_type", e.EventType,
				"action", e.Action, "user_id", e.UserID, "error", err)
			continue
		}
		rows = append(rows, args)
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(rows); start += maxEventsPerStatement {
		chunk := rows[start:min(start+maxEventsPerStatement, len(rows))]
		args := make([]any, 0, len(chunk)*eventColumns)
		for _, r := range chunk {
			args = append(args, r...)
		}
		if _, err = tx.ExecContext(ctx, insertEventsSQL(len(chunk)), args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteEventsBefore removes audit rows older than cutoff.
func (s *PGStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (_ int64, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationDelete)
	defer func() { end(err) }()

	res, err := s.db.ExecContext(ctx, `delete from audit_logs where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const alertColumns = `id, alert_type, severity, description, user_id, ip_address, metadata, resolved, resolved_at, resolved_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*SecurityAlert, error) {
	var (
		a          SecurityAlert
		userID     sql.NullString
		ip         sql.NullString
		meta       []byte
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.Description, &userID, &ip, &meta,
		&a.Resolved, &resolvedAt, &resolvedBy, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.UserID = userID.String
	a.IPAddress = ip.String
	a.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode alert metadata: %w", err)
		}
	}
	return &a, nil
}

func (s *PGStore) InsertAlert(ctx context.Context, a SecurityAlert) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "security_alerts", tracing.DBOperationInsert)
	defer func() { end(err) }()

	meta, err := marshalMetadata(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into security_alerts(id, alert_type, severity, description, user_id, ip_address, metadata, resolved, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,false,$8)`,
		a.ID, string(a.Type), string(a.Severity), a.Description, nullString(a.UserID), nullString(a.IPAddress), meta, a.CreatedAt,
	)
	return err
}

func (s *PGStore) ListAlerts(ctx context.Context, f AlertFilter) (_ []SecurityAlert, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "security_alerts", tracing.DBOperationQuery)
	defer func() { end(err) }()

	var (
		where []string
		args  []any
	)
	if f.Resolved != nil {
		args = append(args, *f.Resolved)
		where = append(where, fmt.Sprintf("resolved=$%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		where = append(where, fmt.Sprintf("severity=$%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("alert_type=$%d", len(args)))
	}
	query := `select ` + alertColumns + ` from security_alerts`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` order by created_at desc limit $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []SecurityAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// ResolveAlert only touches unresolved alerts; anything else is reported as
// ErrAlertNotFound.
func (s *PGStore) ResolveAlert(ctx context.Context, id, resolvedBy string, at time.Time) (_ *SecurityAlert, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "security_alerts", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`update security_alerts set resolved=true, resolved_at=$2, resolved_by=$3
		 where id=$1 and resolved=false
		 returning `+alertColumns, id, at, resolvedBy))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	return a, err
}
