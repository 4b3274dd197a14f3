package security

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Filter controls which security events to return.
type Filter struct {
	SubjectID string   // optional: filter by subject identity
	Type      string   // optional: filter by event type
	Severity  Severity // optional: filter by severity
	Limit     int      // default 50, max 200
	Offset    int      // pagination offset
}

// ListResult contains the paginated security event results.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Summary aggregates a subject's security events for the dashboard.
type Summary struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByType     map[string]int `json:"by_type"`
	// Recent is the number of events recorded in the last 24 hours.
	Recent int `json:"recent"`
}

// Repository defines the interface for security event persistence.
type Repository interface {
	Create(ctx context.Context, event *Event) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Summarise(ctx context.Context, subjectID string) (*Summary, error)
}

// SQLiteRepository stores security events in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new security event repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create appends a new security event. The ID and CreatedAt are generated
// if empty. Events are never updated or deleted.
func (r *SQLiteRepository) Create(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}

	var metadataJSON *string
	if event.Metadata != nil {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling event metadata: %w", err)
		}
		s := string(b)
		metadataJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO security_events (id, event_type, severity, subject_id, project_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, string(event.Severity),
		nullableString(event.SubjectID), nullableString(event.ProjectID),
		metadataJSON,
		event.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}

	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns security events matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for event queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.SubjectID != "" {
		conditions = append(conditions, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.Type != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(filter.Severity))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// WHERE clause is built from parameterised conditions (? placeholders) — no user input in SQL string.
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM security_events %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting security events: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, event_type, severity, subject_id, project_id, metadata, created_at FROM security_events %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var severity string
		var subjectID, projectID, metadataJSON sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.Type, &severity,
			&subjectID, &projectID, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}

		e.Severity = Severity(severity)
		if subjectID.Valid {
			e.SubjectID = subjectID.String
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			var metadata map[string]any
			if json.Unmarshal([]byte(metadataJSON.String), &metadata) == nil {
				e.Metadata = metadata
			}
		}

		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing security event timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security events: %w", err)
	}

	if events == nil {
		events = []Event{}
	}

	return &ListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// Summarise aggregates a subject's events by severity and type, plus a
// rolling 24-hour count. Consumed by the security dashboard.
func (r *SQLiteRepository) Summarise(ctx context.Context, subjectID string) (*Summary, error) {
	summary := &Summary{
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT severity, event_type, created_at FROM security_events WHERE subject_id = ?",
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events for summary: %w", err)
	}
	defer rows.Close()

	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	for rows.Next() {
		var severity, eventType, createdAt string
		if err := rows.Scan(&severity, &eventType, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event for summary: %w", err)
		}

		summary.Total++
		summary.BySeverity[severity]++
		summary.ByType[eventType]++

		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil && t.After(cutoff) {
			summary.Recent++
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events for summary: %w", err)
	}

	return summary, nil
}
