package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safesite-data/sitewatch/internal/geom"
	"github.com/safesite-data/sitewatch/internal/violation"
)

// Session statuses as persisted.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID          string     `json:"session_id"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	FailMessage string     `json:"fail_message,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// CreateSession records a newly opened session.
func (db *DB) CreateSession(id, source string, startedAt time.Time) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, source, status, started_at) VALUES (?, ?, ?, ?)`,
		id, source, SessionActive, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

// EndSession marks the session done with its terminal status.
func (db *DB) EndSession(id, status, failMessage string, endedAt time.Time) error {
	res, err := db.Exec(
		`UPDATE sessions SET status = ?, fail_message = ?, ended_at = ? WHERE session_id = ?`,
		status, failMessage, endedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: not found", id)
	}
	return nil
}

// GetSession fetches one session row.
func (db *DB) GetSession(id string) (SessionRecord, error) {
	var rec SessionRecord
	var ended sql.NullTime
	err := db.QueryRow(
		`SELECT session_id, source, status, fail_message, started_at, ended_at
		 FROM sessions WHERE session_id = ?`, id,
	).Scan(&rec.ID, &rec.Source, &rec.Status, &rec.FailMessage, &rec.StartedAt, &ended)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if ended.Valid {
		rec.EndedAt = &ended.Time
	}
	return rec, nil
}

// SaveAggregates persists the final per-individual aggregates of a session
// in one transaction.
func (db *DB) SaveAggregates(sessionID string, aggs []violation.IndividualAggregate) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("save aggregates: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO individuals (
			session_id, track_id, total_violations, violations_by_type,
			first_seen_frame, last_seen_frame, first_seen_at, last_seen_at,
			frames_tracked, confirmed_violations, rejected_violations,
			violations_per_minute, risk_score, is_repeat_offender, worn_equipment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save aggregates: %w", err)
	}
	defer stmt.Close()

	for _, a := range aggs {
		byType, err := json.Marshal(a.ViolationsByType)
		if err != nil {
			return fmt.Errorf("marshal violation counts for track %d: %w", a.TrackID, err)
		}
		worn, err := json.Marshal(a.WornEquipment)
		if err != nil {
			return fmt.Errorf("marshal worn equipment for track %d: %w", a.TrackID, err)
		}
		if _, err := stmt.Exec(
			sessionID, a.TrackID, a.TotalViolations, string(byType),
			a.FirstSeenFrame, a.LastSeenFrame, a.FirstSeenAt.UTC(), a.LastSeenAt.UTC(),
			a.FramesTracked, a.ConfirmedViolations, a.RejectedViolations,
			a.ViolationsPerMinute, a.RiskScore, a.IsRepeatOffender, string(worn),
		); err != nil {
			return fmt.Errorf("save aggregate for track %d: %w", a.TrackID, err)
		}
	}
	return tx.Commit()
}

// InsertViolations persists the session violation timeline. Orphaned
// violations store a NULL track_id.
func (db *DB) InsertViolations(sessionID string, events []violation.Event) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("insert violations: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO violations (
			session_id, violation_id, track_id, type, confidence, frame_index,
			occurred_at, bbox_x, bbox_y, bbox_w, bbox_h, review_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("insert violations: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var trackID any
		if ev.TrackID != 0 {
			trackID = ev.TrackID
		}
		if _, err := stmt.Exec(
			sessionID, ev.ID, trackID, ev.Type, ev.Confidence, ev.FrameIndex,
			ev.Timestamp.UTC(), ev.BBox.X, ev.BBox.Y, ev.BBox.W, ev.BBox.H,
			string(ev.Status),
		); err != nil {
			return fmt.Errorf("insert violation %d: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateReviewStatus records an external review decision for a persisted
// violation.
func (db *DB) UpdateReviewStatus(sessionID string, violationID int64, status violation.ReviewStatus) error {
	res, err := db.Exec(
		`UPDATE violations SET review_status = ? WHERE session_id = ? AND violation_id = ?`,
		string(status), sessionID, violationID,
	)
	if err != nil {
		return fmt.Errorf("update review status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("violation %d in session %s: not found", violationID, sessionID)
	}
	return nil
}

// ListIndividuals returns the persisted aggregates for a session ordered by
// track ID.
func (db *DB) ListIndividuals(sessionID string) ([]violation.IndividualAggregate, error) {
	rows, err := db.Query(`
		SELECT track_id, total_violations, violations_by_type,
		       first_seen_frame, last_seen_frame, first_seen_at, last_seen_at,
		       frames_tracked, confirmed_violations, rejected_violations,
		       violations_per_minute, risk_score, is_repeat_offender, worn_equipment
		FROM individuals WHERE session_id = ? ORDER BY track_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list individuals: %w", err)
	}
	defer rows.Close()

	var out []violation.IndividualAggregate
	for rows.Next() {
		var a violation.IndividualAggregate
		var byType, worn string
		if err := rows.Scan(
			&a.TrackID, &a.TotalViolations, &byType,
			&a.FirstSeenFrame, &a.LastSeenFrame, &a.FirstSeenAt, &a.LastSeenAt,
			&a.FramesTracked, &a.ConfirmedViolations, &a.RejectedViolations,
			&a.ViolationsPerMinute, &a.RiskScore, &a.IsRepeatOffender, &worn,
		); err != nil {
			return nil, fmt.Errorf("scan individual: %w", err)
		}
		if err := json.Unmarshal([]byte(byType), &a.ViolationsByType); err != nil {
			return nil, fmt.Errorf("decode violation counts for track %d: %w", a.TrackID, err)
		}
		if err := json.Unmarshal([]byte(worn), &a.WornEquipment); err != nil {
			return nil, fmt.Errorf("decode worn equipment for track %d: %w", a.TrackID, err)
		}
		a.PendingViolations = a.TotalViolations - a.ConfirmedViolations - a.RejectedViolations
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListViolations returns the persisted violation timeline for a session in
// recording order.
func (db *DB) ListViolations(sessionID string) ([]violation.Event, error) {
	rows, err := db.Query(`
		SELECT violation_id, track_id, type, confidence, frame_index,
		       occurred_at, bbox_x, bbox_y, bbox_w, bbox_h, review_status
		FROM violations WHERE session_id = ? ORDER BY violation_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []violation.Event
	for rows.Next() {
		var ev violation.Event
		var trackID sql.NullInt64
		var status string
		var box geom.BBox
		if err := rows.Scan(
			&ev.ID, &trackID, &ev.Type, &ev.Confidence, &ev.FrameIndex,
			&ev.Timestamp, &box.X, &box.Y, &box.W, &box.H, &status,
		); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		if trackID.Valid {
			ev.TrackID = int(trackID.Int64)
		}
		ev.BBox = box
		ev.Status = violation.ReviewStatus(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SessionSummary recomputes session-wide statistics from the persisted
// rows.
func (db *DB) SessionSummary(sessionID string, repeatThreshold int) (violation.Summary, error) {
	if repeatThreshold <= 0 {
		repeatThreshold = violation.DefaultRepeatOffenderThreshold
	}
	s := violation.Summary{ViolationsByType: make(map[string]int)}

	err := db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(total_violations), 0),
		       COALESCE(SUM(CASE WHEN total_violations >= ? THEN 1 ELSE 0 END), 0)
		FROM individuals WHERE session_id = ?`, repeatThreshold, sessionID,
	).Scan(&s.TotalIndividuals, &s.TotalViolations, &s.RepeatOffenders)
	if err != nil {
		return violation.Summary{}, fmt.Errorf("session summary: %w", err)
	}

	err = db.QueryRow(
		`SELECT COUNT(*) FROM violations WHERE session_id = ? AND track_id IS NULL`,
		sessionID,
	).Scan(&s.OrphanedViolations)
	if err != nil {
		return violation.Summary{}, fmt.Errorf("session summary: %w", err)
	}

	rows, err := db.Query(`
		SELECT type, COUNT(*) FROM violations
		WHERE session_id = ? AND track_id IS NOT NULL
		GROUP BY type`, sessionID)
	if err != nil {
		return violation.Summary{}, fmt.Errorf("session summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return violation.Summary{}, fmt.Errorf("session summary: %w", err)
		}
		s.ViolationsByType[typ] = n
	}
	if err := rows.Err(); err != nil {
		return violation.Summary{}, err
	}

	if s.TotalIndividuals > 0 {
		s.AveragePerIndividual = float64(s.TotalViolations) / float64(s.TotalIndividuals)
	}
	return s, nil
}
