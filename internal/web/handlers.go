package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/appt-scheduler/internal/app"
	"github.com/example/appt-scheduler/internal/classify"
	"github.com/example/appt-scheduler/internal/events"
	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/profile"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"
)

type classifyRequest struct {
	ProfileID string         `json:"profile_id,omitempty"`
	Flags     classify.Flags `json:"flags"`
	Location  string         `json:"location,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ProfileID == "" {
		render.JSON(w, r, classify.Classify(req.Flags, req.Location))
		return
	}
	p, err := s.App.Profiles.Get(r.Context(), req.ProfileID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.JSON(w, r, s.App.Recommend(p))
}

type profileRequest struct {
	PreviousID         string         `json:"previous_id,omitempty"`
	FirstName          string         `json:"first_name"`
	LastName           string         `json:"last_name"`
	DOB                string         `json:"dob"`
	Last4              string         `json:"last4"`
	Phone              string         `json:"phone"`
	Email              string         `json:"email"`
	PostalCode         string         `json:"postal_code"`
	LocationPreference string         `json:"location_preference,omitempty"`
	MaxDistanceMiles   int            `json:"max_distance_miles,omitempty"`
	SlotPriority       string         `json:"slot_priority,omitempty"`
	Flags              classify.Flags `json:"flags"`
	MailboxUser        string         `json:"mailbox_user,omitempty"`
	MailboxPassword    string         `json:"mailbox_password,omitempty"`
}

func (req profileRequest) profile() (profile.Profile, error) {
	dob, err := time.Parse("2006-01-02", req.DOB)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("%w: dob must be YYYY-MM-DD", app.ErrInvalid)
	}
	prio, err := profile.ParsePriority(req.SlotPriority)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("%w: %v", app.ErrInvalid, err)
	}
	p := profile.Profile{
		PreviousID:         req.PreviousID,
		FirstName:          strings.TrimSpace(req.FirstName),
		LastName:           strings.TrimSpace(req.LastName),
		DOB:                dob,
		Last4:              req.Last4,
		Phone:              req.Phone,
		Email:              strings.TrimSpace(req.Email),
		PostalCode:         req.PostalCode,
		LocationPreference: strings.TrimSpace(req.LocationPreference),
		MaxDistanceMiles:   req.MaxDistanceMiles,
		SlotPriority:       prio,
		Flags:              req.Flags,
		Mailbox:            profile.Mailbox{User: req.MailboxUser, Password: req.MailboxPassword},
	}
	if err := p.Validate(); err != nil {
		return profile.Profile{}, fmt.Errorf("%w: %v", app.ErrInvalid, err)
	}
	return p, nil
}

// profileReply leaves out the encrypted identity fields.
type profileReply struct {
	ID                 string                      `json:"id"`
	PreviousID         string                      `json:"previous_id,omitempty"`
	Version            int                         `json:"version"`
	FirstName          string                      `json:"first_name"`
	LastName           string                      `json:"last_name"`
	Email              string                      `json:"email"`
	PostalCode         string                      `json:"postal_code"`
	LocationPreference string                      `json:"location_preference,omitempty"`
	SlotPriority       profile.SlotPriority        `json:"slot_priority"`
	Flags              classify.Flags              `json:"flags"`
	MailboxConfigured  bool                        `json:"mailbox_configured"`
	Recommended        classify.RecommendedService `json:"recommended_service"`
	CreatedAt          time.Time                   `json:"created_at"`
}

func (p profileReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (s *Server) present(p profile.Profile) profileReply {
	return profileReply{
		ID:                 p.ID,
		PreviousID:         p.PreviousID,
		Version:            p.Version,
		FirstName:          p.FirstName,
		LastName:           p.LastName,
		Email:              p.Email,
		PostalCode:         p.PostalCode,
		LocationPreference: p.LocationPreference,
		SlotPriority:       p.SlotPriority,
		Flags:              p.Flags,
		MailboxConfigured:  p.Mailbox.Configured(),
		Recommended:        s.App.Recommend(p),
		CreatedAt:          p.CreatedAt,
	}
}

func (s *Server) handleProfileCreate(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := req.profile()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p, err = s.App.Profiles.Create(r.Context(), p); err != nil {
		s.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	_ = render.Render(w, r, s.present(p))
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.App.Profiles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_ = render.Render(w, r, s.present(p))
}

const (
	defaultIntervalMinutes = 5
	defaultMaxAttempts     = 100
)

type jobRequest struct {
	ProfileID            string       `json:"profile_id"`
	Service              classify.Tag `json:"service,omitempty"`
	CheckIntervalMinutes float64      `json:"check_interval_minutes,omitempty"`
	MaxAttempts          int          `json:"max_attempts,omitempty"`
	AutoBook             bool         `json:"auto_book"`
}

type jobReply struct {
	jobs.Job
	IntervalSeconds float64 `json:"interval_seconds"`
}

func (j jobReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func reply(j jobs.Job) jobReply {
	return jobReply{Job: j, IntervalSeconds: j.Interval.Seconds()}
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.CheckIntervalMinutes == 0 {
		req.CheckIntervalMinutes = defaultIntervalMinutes
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = defaultMaxAttempts
	}
	j, err := s.App.CreateJob(r.Context(), app.JobRequest{
		ProfileID:   req.ProfileID,
		Service:     req.Service,
		Interval:    time.Duration(req.CheckIntervalMinutes * float64(time.Minute)),
		MaxAttempts: req.MaxAttempts,
		AutoBook:    req.AutoBook,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	_ = render.Render(w, r, reply(j))
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	f := jobs.Filter{ProfileID: r.URL.Query().Get("profile_id")}
	if st := r.URL.Query().Get("status"); st != "" {
		for _, v := range strings.Split(st, ",") {
			status := jobs.Status(strings.TrimSpace(v))
			if !status.Valid() {
				s.fail(w, r, fmt.Errorf("%w: unknown status %q", app.ErrInvalid, v))
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	list, err := s.App.Machine.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]jobReply, 0, len(list))
	for _, j := range list {
		out = append(out, reply(j))
	}
	render.JSON(w, r, out)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.App.Machine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_ = render.Render(w, r, reply(j))
}

func (s *Server) handleJobStop(w http.ResponseWriter, r *http.Request) {
	j, err := s.App.StopJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_ = render.Render(w, r, reply(j))
}

type codeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleJobCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	j, err := s.App.SubmitCode(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	_ = render.Render(w, r, reply(j))
}

func (s *Server) handleJobBookings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.App.Machine.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.App.Machine.Bookings(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []jobs.BookingRecord{}
	}
	render.JSON(w, r, recs)
}

// page reads since and limit from the query string.
func page(r *http.Request) (since int64, limit int, err error) {
	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		if since, err = strconv.ParseInt(v, 10, 64); err != nil || since < 0 {
			return 0, 0, fmt.Errorf("%w: since must be a non-negative integer", app.ErrInvalid)
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("%w: limit must be a non-negative integer", app.ErrInvalid)
		}
	}
	return since, limit, nil
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	since, limit, err := page(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	evs, err := s.App.Machine.Events(r.Context(), chi.URLParam(r, "id"), since, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	render.JSON(w, r, evs)
}

// replayPage is how many logged events the stream reads per query.
const replayPage = 200

// handleJobStream replays the log after since (or Last-Event-ID) and then
// follows new events live. Seq is the SSE id, so a reconnecting client
// resumes without gaps or repeats.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since, _, err := page(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > since {
			since = n
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// subscribe before reading the backlog so nothing falls between them
	sub := s.App.Hub.Subscribe(id)
	defer sub.Close()
	if _, err := s.App.Machine.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := since
	send := func(e events.Event) bool {
		if e.Seq <= last {
			return true
		}
		last = e.Seq
		b, err := json.Marshal(e)
		if err != nil {
			s.Logger.Warn("marshal event", zap.String("job_id", id), zap.Int64("seq", e.Seq), zap.Error(err))
			return true
		}
		_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, b)
		return err == nil
	}
	// catchUp sends logged events after last, stopping after upTo when it
	// is positive.
	catchUp := func(upTo int64) bool {
		for {
			evs, err := s.App.Machine.Events(r.Context(), id, last, replayPage)
			if err != nil {
				return false
			}
			for _, e := range evs {
				if upTo > 0 && e.Seq > upTo {
					return true
				}
				if !send(e) {
					return false
				}
			}
			if len(evs) < replayPage || (upTo > 0 && last >= upTo) {
				return true
			}
		}
	}
	if !catchUp(0) {
		return
	}
	flusher.Flush()

	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			// the hub drops events for slow subscribers; the log has them
			if e.Seq > last+1 && !catchUp(e.Seq-1) {
				return
			}
			if !send(e) {
				return
			}
			flusher.Flush()
		}
	}
}
