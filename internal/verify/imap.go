package verify

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// IMAPSource scans the profile's inbox for the newest message carrying a
// code. Each call opens and closes its own connection.
type IMAPSource struct {
	Addr    string
	Mailbox string
	Timeout time.Duration
	Logger  *zap.Logger
}

var _ CodeSource = (*IMAPSource)(nil)

func (s *IMAPSource) LatestCode(ctx context.Context, q Query) (Code, bool, error) {
	if !q.Mailbox.Configured() {
		return Code{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Code{}, false, err
	}

	timeout := s.timeoutFor(ctx)
	// a dialer timeout also bounds the TLS handshake and server greeting
	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: timeout}, s.Addr, nil)
	if err != nil {
		return Code{}, false, fmt.Errorf("imap dial %s: %w", s.Addr, err)
	}
	defer func() { _ = c.Logout() }()
	c.Timeout = timeout
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	if err := c.Login(q.Mailbox.User, q.Mailbox.Password); err != nil {
		return Code{}, false, fmt.Errorf("imap login: %w", err)
	}
	box := s.Mailbox
	if box == "" {
		box = "INBOX"
	}
	if _, err := c.Select(box, true); err != nil {
		return Code{}, false, fmt.Errorf("imap select %s: %w", box, err)
	}

	criteria := imap.NewSearchCriteria()
	// SINCE has day granularity; InternalDate is compared below.
	criteria.Since = q.Since.Add(-24 * time.Hour)
	ids, err := c.Search(criteria)
	if err != nil {
		return Code{}, false, fmt.Errorf("imap search: %w", err)
	}
	if len(ids) == 0 {
		return Code{}, false, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
	}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- c.Fetch(seqset, items, messages) }()

	var (
		best  Code
		found bool
	)
	for msg := range messages {
		if msg == nil || !msg.InternalDate.After(q.Since) {
			continue
		}
		text := ""
		if msg.Envelope != nil {
			text = msg.Envelope.Subject + "\n"
		}
		if r := msg.GetBody(section); r != nil {
			b, err := io.ReadAll(r)
			if err != nil {
				s.logger().Warn("imap read body", zap.Error(err))
				continue
			}
			text += string(b)
		}
		code, ok := ExtractCode(text)
		if !ok {
			continue
		}
		if !found || msg.InternalDate.After(best.At) {
			best = Code{Value: code, At: msg.InternalDate, Source: "imap"}
			found = true
		}
	}
	if err := <-done; err != nil {
		return Code{}, false, fmt.Errorf("imap fetch: %w", err)
	}
	return best, found, nil
}

// timeoutFor bounds each network step by Timeout and by ctx's deadline.
func (s *IMAPSource) timeoutFor(ctx context.Context) time.Duration {
	t := s.Timeout
	if t <= 0 {
		t = 15 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < t {
			t = max(left, time.Millisecond)
		}
	}
	return t
}

func (s *IMAPSource) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
