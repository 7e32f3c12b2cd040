package events

import (
	"context"
	"fmt"

	"github.com/example/appt-scheduler/internal/db"
)

// PgLog keeps events in job_events. Appends for one job are serialized with a
// transaction-scoped advisory lock so seq stays gapless across processes.
type PgLog struct{ db *db.DB }

var _ Log = (*PgLog)(nil)

func NewPgLog(d *db.DB) *PgLog { return &PgLog{db: d} }

func (l *PgLog) Append(ctx context.Context, e Event) (Event, error) {
	err := l.db.InTx(ctx, func(tx db.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.JobID); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM job_events WHERE job_id=$1`, e.JobID).Scan(&e.Seq); err != nil {
			return err
		}
		var payload any
		if len(e.Payload) > 0 {
			payload = []byte(e.Payload)
		}
		_, err := tx.Exec(ctx, `
INSERT INTO job_events(job_id,seq,at,level,kind,message,payload)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			e.JobID, e.Seq, e.Time, string(e.Level), string(e.Kind), e.Message, payload)
		return err
	})
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	return e, nil
}

func (l *PgLog) List(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]Event, error) {
	q := `
SELECT job_id,seq,at,level,kind,message,payload
FROM job_events
WHERE job_id=$1 AND seq>$2
ORDER BY seq ASC`
	args := []any{jobID, sinceSeq}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := l.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e           Event
			level, kind string
			payload     []byte
		)
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Time, &level, &kind, &e.Message, &payload); err != nil {
			return nil, err
		}
		e.Level, e.Kind = Level(level), Kind(kind)
		if len(payload) > 0 {
			e.Payload = payload
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
