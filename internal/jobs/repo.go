package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/appt-scheduler/internal/db"
)

type Repo struct{ db *db.DB }

var _ Store = (*Repo)(nil)

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const jobColumns = `id,profile_id,service,interval_seconds,max_attempts,auto_book,status,attempts,stage_failures,appointment,slot_found_at,confirmation,otp_since,last_error,last_attempt_at,created_at,updated_at`

type encoded struct {
	service, stageFailures, appointment []byte
}

func encode(j Job) (encoded, error) {
	var e encoded
	var err error
	if e.service, err = json.Marshal(j.Service); err != nil {
		return e, err
	}
	sf := j.StageFailures
	if sf == nil {
		sf = map[string]int{}
	}
	if e.stageFailures, err = json.Marshal(sf); err != nil {
		return e, err
	}
	if j.Appointment != nil {
		if e.appointment, err = json.Marshal(j.Appointment); err != nil {
			return e, err
		}
	}
	return e, nil
}

func (r *Repo) Create(ctx context.Context, j Job) error {
	e, err := encode(j)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
INSERT INTO jobs(`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		j.ID, j.ProfileID, e.service, int(j.Interval/time.Second), j.MaxAttempts, j.AutoBook, string(j.Status), j.Attempts,
		e.stageFailures, nullJSON(e.appointment), j.SlotFoundAt, j.Confirmation, j.OTPSince, j.LastError, j.LastAttemptAt,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		if db.IsNotFound(err) {
			return Job{}, ErrNotFound
		}
		return Job{}, db.WrapNotFound(err)
	}
	return j, nil
}

func (r *Repo) Update(ctx context.Context, j Job, expected Status) error {
	e, err := encode(j)
	if err != nil {
		return err
	}
	n, err := r.db.Exec(ctx, `
UPDATE jobs SET status=$3, attempts=$4, stage_failures=$5, appointment=$6, slot_found_at=$7, confirmation=$8,
	otp_since=$9, last_error=$10, last_attempt_at=$11, updated_at=$12
WHERE id=$1 AND status=$2`,
		j.ID, string(expected), string(j.Status), j.Attempts, e.stageFailures, nullJSON(e.appointment), j.SlotFoundAt,
		j.Confirmation, j.OTPSince, j.LastError, j.LastAttemptAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, j.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r *Repo) List(ctx context.Context, f Filter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if f.ProfileID != "" {
		args = append(args, f.ProfileID)
		where = append(where, fmt.Sprintf("profile_id=$%d", len(args)))
	}
	if f.NonTerminal {
		where = append(where, "status NOT IN ('booked','stopped','failed')")
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		args = append(args, ss)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *Repo) CreateBooking(ctx context.Context, b BookingRecord) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO booking_records(id,job_id,location,appointment_date,appointment_time,confirmation_id,confirmed,created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		b.ID, b.JobID, b.Location, b.Date, b.Time, b.ConfirmationID, b.Confirmed, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert booking record: %w", err)
	}
	return nil
}

func (r *Repo) Bookings(ctx context.Context, jobID string) ([]BookingRecord, error) {
	rows, err := r.db.Query(ctx, `
SELECT id,job_id,location,appointment_date,appointment_time,confirmation_id,confirmed,created_at
FROM booking_records WHERE job_id=$1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BookingRecord
	for rows.Next() {
		var b BookingRecord
		if err := rows.Scan(&b.ID, &b.JobID, &b.Location, &b.Date, &b.Time, &b.ConfirmationID, &b.Confirmed, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanJob(row db.Row) (Job, error) {
	var (
		j                 Job
		service, sf, appt []byte
		intervalSec       int
		status            string
	)
	err := row.Scan(&j.ID, &j.ProfileID, &service, &intervalSec, &j.MaxAttempts, &j.AutoBook, &status, &j.Attempts,
		&sf, &appt, &j.SlotFoundAt, &j.Confirmation, &j.OTPSince, &j.LastError, &j.LastAttemptAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	j.Interval = time.Duration(intervalSec) * time.Second
	if err := json.Unmarshal(service, &j.Service); err != nil {
		return Job{}, fmt.Errorf("job %s service: %w", j.ID, err)
	}
	if len(sf) > 0 {
		if err := json.Unmarshal(sf, &j.StageFailures); err != nil {
			return Job{}, fmt.Errorf("job %s stage failures: %w", j.ID, err)
		}
	}
	if len(appt) > 0 {
		j.Appointment = &Appointment{}
		if err := json.Unmarshal(appt, j.Appointment); err != nil {
			return Job{}, fmt.Errorf("job %s appointment: %w", j.ID, err)
		}
	}
	return j, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
