package web_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/appt-scheduler/internal/app"
	"github.com/example/appt-scheduler/internal/auth"
	"github.com/example/appt-scheduler/internal/config"
	"github.com/example/appt-scheduler/internal/session"
	"github.com/example/appt-scheduler/internal/web"
	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type offline struct{}

func (offline) Open(context.Context) (session.Page, error) {
	return nil, errors.New("no browser in tests")
}

type client struct {
	t    *testing.T
	app  *app.App
	srv  *httptest.Server
	http *http.Client
}

func setup(t *testing.T) *client {
	t.Helper()
	cfg := config.Config{
		Store: "memory",
		Scheduler: config.Scheduler{
			Tick: time.Second, MaxConcurrent: 1, BackoffMultiplier: 2, BackoffCeiling: time.Minute,
			OTPRetryDelay: 30 * time.Second, RecheckInterval: 15 * time.Minute, HoldWindow: 10 * time.Minute,
		},
		Driver:    config.Driver{StageTimeout: time.Second, PollInterval: 10 * time.Millisecond, MaxStageFailures: 3},
		Verify:    config.Verify{Timeout: time.Second, PollInterval: 10 * time.Millisecond},
		Artifacts: config.Artifacts{Backend: "none"},
	}
	a, err := app.Open(context.Background(), cfg, nil, app.Options{Browser: offline{}})
	require.NoError(t, err)

	store := auth.NewStore(a.Users, securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	_, err = store.CreateUser(context.Background(), "ana", "correct horse")
	require.NoError(t, err)

	srv := httptest.NewServer((&web.Server{App: a, Auth: store, Heartbeat: 50 * time.Millisecond}).Routes())
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c := &client{t: t, app: a, srv: srv, http: &http.Client{Jar: jar, Timeout: 5 * time.Second}}
	t.Cleanup(func() {
		c.http.CloseIdleConnections()
		srv.Close()
		a.Close()
	})
	return c
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer res.Body.Close()
	if out != nil && res.StatusCode < 300 {
		require.NoError(c.t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func (c *client) login() {
	c.t.Helper()
	require.Equal(c.t, http.StatusNoContent, c.do(http.MethodPost, "/login", map[string]string{"username": "ana", "password": "correct horse"}, nil))
}

var profileBody = map[string]any{
	"first_name":          "Ana",
	"last_name":           "Ruiz",
	"dob":                 "1990-04-12",
	"last4":               "1234",
	"phone":               "(940) 555-0101",
	"email":               "ana@example.com",
	"postal_code":         "76201",
	"location_preference": "Denton",
	"flags":               map[string]bool{"has_local_credential": true, "credential_expired": true},
}

type jobView struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	IntervalSeconds float64 `json:"interval_seconds"`
	MaxAttempts     int     `json:"max_attempts"`
	Service         struct {
		Tag string `json:"tag"`
	} `json:"service"`
}

func (c *client) createJob() jobView {
	c.t.Helper()
	var p struct {
		ID string `json:"id"`
	}
	require.Equal(c.t, http.StatusCreated, c.do(http.MethodPost, "/api/profiles", profileBody, &p))
	var j jobView
	require.Equal(c.t, http.StatusCreated, c.do(http.MethodPost, "/api/jobs", map[string]any{"profile_id": p.ID}, &j))
	return j
}

func TestPublicEndpoints(t *testing.T) {
	c := setup(t)
	var health map[string]string
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/healthz", nil, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/metrics", nil, nil))
}

func TestAPIRequiresLogin(t *testing.T) {
	c := setup(t)
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/jobs", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodPost, "/login", map[string]string{"username": "ana", "password": "nope"}, nil))

	c.login()
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/jobs", nil, nil))

	assert.Equal(t, http.StatusNoContent, c.do(http.MethodPost, "/logout", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/jobs", nil, nil))
}

func TestClassify(t *testing.T) {
	c := setup(t)
	c.login()

	var rec struct {
		Tag        string   `json:"tag"`
		Confidence float64  `json:"confidence"`
		Tips       []string `json:"tips"`
	}
	status := c.do(http.MethodPost, "/api/classify", map[string]any{
		"flags": map[string]bool{"has_foreign_credential": true},
	}, &rec)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "transfer_oos", rec.Tag)
	assert.Equal(t, 0.90, rec.Confidence)

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/classify", map[string]any{"unknown": 1}, nil))
}

func TestProfileValidation(t *testing.T) {
	c := setup(t)
	c.login()

	bad := map[string]any{}
	for k, v := range profileBody {
		bad[k] = v
	}
	bad["last4"] = "12"
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/profiles", bad, nil))
	bad["last4"] = "1234"
	bad["dob"] = "04/12/1990"
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/profiles", bad, nil))

	var p map[string]any
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/profiles", profileBody, &p))
	assert.NotContains(t, p, "last4")
	assert.NotContains(t, p, "dob")

	var got map[string]any
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/profiles/"+p["id"].(string), nil, &got))
	assert.Equal(t, "renew_dl", got["recommended_service"].(map[string]any)["tag"])
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/api/profiles/missing", nil, nil))
}

func TestJobLifecycle(t *testing.T) {
	c := setup(t)
	c.login()
	j := c.createJob()

	assert.Equal(t, "pending", j.Status)
	assert.Equal(t, "renew_dl", j.Service.Tag)
	assert.Equal(t, 300.0, j.IntervalSeconds)
	assert.Equal(t, 100, j.MaxAttempts)

	var list []jobView
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/jobs?status=pending", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, j.ID, list[0].ID)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodGet, "/api/jobs?status=sleeping", nil, nil))

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/jobs/"+j.ID+"/code", map[string]string{"code": "x1"}, nil))
	assert.Equal(t, http.StatusAccepted, c.do(http.MethodPost, "/api/jobs/"+j.ID+"/code", map[string]string{"code": "123456"}, nil))

	var stopped jobView
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/jobs/"+j.ID+"/stop", nil, &stopped))
	assert.Equal(t, "stopped", stopped.Status)
	assert.Equal(t, http.StatusConflict, c.do(http.MethodPost, "/api/jobs/"+j.ID+"/stop", nil, nil))

	var evs []struct {
		Seq     int64  `json:"seq"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/jobs/"+j.ID+"/events", nil, &evs))
	require.Len(t, evs, 3)
	assert.Equal(t, "transition", evs[0].Kind)
	assert.Equal(t, "notice", evs[1].Kind)
	assert.Equal(t, "transition", evs[2].Kind)

	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/jobs/"+j.ID+"/events?since=1&limit=1", nil, &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, int64(2), evs[0].Seq)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodGet, "/api/jobs/"+j.ID+"/events?since=-1", nil, nil))

	var recs []any
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/jobs/"+j.ID+"/bookings", nil, &recs))
	assert.Empty(t, recs)

	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/api/jobs/missing", nil, nil))
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/api/jobs/missing/events", nil, nil))
}

// stream opens the job's event stream and returns a reader of its
// non-empty, non-comment lines.
func (c *client) stream(jobID string) func() string {
	c.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c.t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.srv.URL+"/api/jobs/"+jobID+"/stream", nil)
	require.NoError(c.t, err)
	res, err := (&http.Client{Jar: c.http.Jar}).Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { res.Body.Close() })
	require.Equal(c.t, http.StatusOK, res.StatusCode)
	assert.Equal(c.t, "text/event-stream", res.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(res.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return func() string {
		for {
			select {
			case l, ok := <-lines:
				require.True(c.t, ok, "stream closed")
				if l == "" || strings.HasPrefix(l, ":") {
					continue
				}
				return l
			case <-time.After(5 * time.Second):
				c.t.Fatal("no event")
			}
		}
	}
}

func TestStreamReplaysThenFollows(t *testing.T) {
	c := setup(t)
	c.login()
	j := c.createJob()

	next := c.stream(j.ID)
	assert.Equal(t, "id: 1", next())
	assert.Equal(t, "event: transition", next())
	assert.Contains(t, next(), `"to":"pending"`)

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/jobs/"+j.ID+"/stop", nil, nil))
	assert.Equal(t, "id: 2", next())
	assert.Equal(t, "event: transition", next())
	assert.Contains(t, next(), `"to":"stopped"`)
}

func TestStreamReplaysLongHistory(t *testing.T) {
	c := setup(t)
	c.login()
	j := c.createJob()

	// 1 created + 449 notices + 1 stopped spans several replay pages
	for i := 0; i < 449; i++ {
		_, err := c.app.SubmitCode(context.Background(), j.ID, "123456")
		require.NoError(t, err)
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/jobs/"+j.ID+"/stop", nil, nil))

	next := c.stream(j.ID)
	for seq := 1; seq <= 451; seq++ {
		require.Equal(t, fmt.Sprintf("id: %d", seq), next())
		next() // event
		data := next()
		if seq == 451 {
			assert.Contains(t, data, `"to":"stopped"`)
		}
	}
}
