package notify_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/notify"
	"github.com/example/appt-scheduler/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func message(kind notify.Kind) notify.Message {
	return notify.Message{
		Kind:    kind,
		JobID:   "job-1",
		Profile: profile.Profile{FirstName: "Ana", Email: "ana@example.com"},
		Booking: &jobs.BookingRecord{
			Location:       "Denton Mega Center",
			Date:           time.Date(2026, 6, 19, 0, 0, 0, 0, time.UTC),
			Time:           "8:00 AM",
			ConfirmationID: "99AB12",
			Confirmed:      kind == notify.KindBooked,
		},
		At:   time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC),
		Link: "https://www.txdpsscheduler.com",
	}
}

func TestRender(t *testing.T) {
	m := message(notify.KindBooked)
	assert.Equal(t, "Appointment booked: 06/19/2026 8:00 AM at Denton Mega Center", notify.Subject(m))
	body := notify.Body(m)
	assert.Contains(t, body, "Hello Ana")
	assert.Contains(t, body, "Friday, June 19, 2026")
	assert.Contains(t, body, "Confirmation: 99AB12")
	assert.Contains(t, body, "https://www.txdpsscheduler.com")

	otp := notify.Message{Kind: notify.KindOTPWaiting, JobID: "job-2"}
	assert.Equal(t, "Verification code needed to continue", notify.Subject(otp))
	assert.NotContains(t, notify.Body(otp), "Location:")
}

type failing struct{}

func (failing) Notify(context.Context, notify.Message) error { return errors.New("down") }

func TestMultiDeliversToAll(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	multi := notify.Multi{failing{}, notify.Log{Logger: zap.New(core)}}

	err := multi.Notify(context.Background(), message(notify.KindSlotFound))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custom: down")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Contains(t, entry.Message, "Appointment available")
	assert.Equal(t, "job-1", entry.ContextMap()["job_id"])
}

// fakeSMTP accepts one message and records its DATA section.
type fakeSMTP struct {
	ln   net.Listener
	wg   sync.WaitGroup
	mu   sync.Mutex
	rcpt string
	data string
}

func startSMTP(t *testing.T) *fakeSMTP {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTP{ln: ln}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeSMTP) serve() {
	defer s.wg.Done()
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	tp := textproto.NewConn(conn)
	reply := func(line string) { _ = tp.PrintfLine("%s", line) }

	reply("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 fake")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			s.rcpt = line
			s.mu.Unlock()
			reply("250 ok")
		case cmd == "DATA":
			reply("354 go ahead")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = strings.Join(lines, "\n")
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 unsupported")
		}
	}
}

func TestSMTPSends(t *testing.T) {
	srv := startSMTP(t)
	n := &notify.SMTP{Addr: srv.ln.Addr().String(), From: "monitor@example.com"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Notify(ctx, message(notify.KindBooked)))
	srv.ln.Close()
	srv.wg.Wait()

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Contains(t, srv.rcpt, "ana@example.com")
	r := bufio.NewScanner(strings.NewReader(srv.data))
	var subject string
	for r.Scan() {
		if strings.HasPrefix(r.Text(), "Subject: ") {
			subject = strings.TrimPrefix(r.Text(), "Subject: ")
		}
	}
	assert.Equal(t, "Appointment booked: 06/19/2026 8:00 AM at Denton Mega Center", subject)
	assert.Contains(t, srv.data, "Confirmation: 99AB12")
}

func TestSMTPNeedsRecipient(t *testing.T) {
	n := &notify.SMTP{Addr: "127.0.0.1:1", From: "monitor@example.com"}
	m := message(notify.KindFailed)
	m.Profile.Email = ""
	assert.Error(t, n.Notify(context.Background(), m))
}
