package session_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/example/appt-scheduler/internal/session"
	"github.com/example/appt-scheduler/internal/verify"
)

// portal is a scripted stand-in for the scheduler site. Each page is static
// HTML; clicks move between pages through routes keyed by "page|text".
type portal struct {
	mu      sync.Mutex
	cur     string
	pages   map[string]string
	routes  map[string]string
	clicks  []string
	values  []string
	closed  int
	panicAt string
	openErr error
	// onClick runs after routing, with the lock held.
	onClick func(p *portal, key string)
}

func newPortal(dates ...string) *portal {
	return &portal{
		cur: "blank",
		pages: map[string]string{
			"blank":    `<html><body></body></html>`,
			"landing":  `<html><body><button>ENGLISH</button><button>ESPAÑOL</button></body></html>`,
			"identity": identityHTML,
			"verify":   `<html><body><h2>One Time Passcode Verification</h2><input type="text" id="otp"><button>Submit</button></body></html>`,
			"verify_rejected": `<html><body><h2>One Time Passcode Verification</h2><p>Invalid passcode</p>` +
				`<input type="text" id="otp"><button>Submit</button></body></html>`,
			"appt_type": `<html><body><button>New Appointment</button><button>Existing Appointment</button></body></html>`,
			"service": `<html><body><h2>Service Selection</h2><p>Please select the option that best describes the service you need</p>` +
				`<button>Apply for first time Texas DL/Permit</button><button>Renew Texas DL/ID</button><button>Replace Texas DL/ID</button></body></html>`,
			"location": locationHTML,
			"none":     `<html><body><p>No available appointments were found</p></body></html>`,
			"dates":    datesHTML(dates...),
			"times": `<html><body><h2>Select Time</h2><button>Previous</button>` +
				`<button>8:00 AM</button><button>8:20 AM</button><button>Next</button></body></html>`,
			"times_empty": `<html><body><h2>Select Time</h2><p>Nothing left today</p><button>Previous</button></body></html>`,
			"confirm":     `<html><body><h2>Confirm Appointment</h2><button>Confirm</button></body></html>`,
			"taken":       `<html><body><h2>Confirm Appointment</h2><p>That time is no longer available</p><button>Confirm</button></body></html>`,
			"confirmed":   `<html><body><p>Your appointment has been confirmed. Confirmation Number: 99AB12</p></body></html>`,
		},
		routes: map[string]string{
			"landing|english":             "identity",
			"identity|log on":             "verify",
			"verify|submit":               "appt_type",
			"appt_type|new appointment":   "service",
			"service|renew texas dl/id":   "location",
			"service|replace texas dl/id": "location",
			"location|next":               "dates",
			"dates|next":                  "times",
			"times|next":                  "confirm",
			"times_empty|previous":        "dates",
			"confirm|confirm":             "confirmed",
		},
	}
}

const identityHTML = `<html><body>
<label for="fn">First Name</label><input id="fn">
<label for="ln">Last Name</label><input id="ln">
<label for="dob">Date of Birth</label><input id="dob">
<label for="l4">Last Four of SSN</label><input id="l4">
<input type="radio" name="via" value="email"><label for="em">Email</label><input id="em">
<button>Log On</button>
</body></html>`

const locationHTML = `<html><body><h2>Customer Details</h2>
<label for="cell">Cell Phone</label><input id="cell">
<label for="e1">Email</label><input id="e1">
<label for="e2">Verify Email</label><input id="e2">
<input placeholder="#####" id="zipCode">
<button>Next</button>
</body></html>`

func datesHTML(dates ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><h2>Select Location</h2><h3 class="location-name">Denton Mega Center</h3>`)
	b.WriteString(`<button>Next Available Date 01/02/2099</button>`)
	for _, d := range dates {
		fmt.Fprintf(&b, `<button>%s</button>`, d)
	}
	b.WriteString(`<button>Next</button></body></html>`)
	return b.String()
}

func (p *portal) Open(ctx context.Context) (session.Page, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	return p, nil
}

func (p *portal) doc() *goquery.Document {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(p.pages[p.cur]))
	if err != nil {
		panic(err)
	}
	return d
}

func (p *portal) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = "landing"
	return nil
}

func (p *portal) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicAt != "" && p.cur == p.panicAt {
		p.panicAt = ""
		panic("renderer crashed")
	}
	return p.pages[p.cur], nil
}

func (p *portal) Fill(ctx context.Context, t session.Target, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.doc()
	found := false
	if t.Label != "" {
		re := regexp.MustCompile("(?i)" + t.Label)
		d.Find("label").Each(func(_ int, el *goquery.Selection) {
			if re.MatchString(strings.Join(strings.Fields(el.Text()), " ")) {
				found = true
			}
		})
	} else {
		found = d.Find(t.Selector).Length() > 0
	}
	if !found {
		return session.ErrNoMatch
	}
	p.values = append(p.values, value)
	return nil
}

func (p *portal) Click(ctx context.Context, c session.Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var re *regexp.Regexp
	if c.Text != "" {
		re = regexp.MustCompile("(?i)" + c.Text)
	}
	var text string
	p.doc().Find(c.Selector).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		t := strings.Join(strings.Fields(el.Text()), " ")
		if re != nil && !re.MatchString(t) {
			return true
		}
		text = strings.ToLower(t)
		return false
	})
	if text == "" && re != nil {
		return session.ErrNoMatch
	}
	if text == "" {
		// a selector-only control such as a radio input
		if p.doc().Find(c.Selector).Length() == 0 {
			return session.ErrNoMatch
		}
	}
	key := p.cur + "|" + text
	p.clicks = append(p.clicks, key)
	if next, ok := p.routes[key]; ok {
		p.cur = next
	}
	if p.onClick != nil {
		p.onClick(p, key)
	}
	return nil
}

func (p *portal) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (p *portal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *portal) closedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *portal) filled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.values...)
}

func (p *portal) clicked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

type waiterFunc func(ctx context.Context, req verify.Request) (verify.Code, error)

func (f waiterFunc) AwaitCode(ctx context.Context, req verify.Request) (verify.Code, error) {
	return f(ctx, req)
}

func codeWaiter(value string) waiterFunc {
	return func(ctx context.Context, req verify.Request) (verify.Code, error) {
		return verify.Code{Value: value, At: time.Now(), Source: "manual"}, nil
	}
}

func timeoutWaiter() waiterFunc {
	return func(ctx context.Context, req verify.Request) (verify.Code, error) {
		return verify.Code{}, verify.ErrTimeout
	}
}

type observer struct {
	mu     sync.Mutex
	stages []session.Stage
	slots  []session.Slot
	onStep func(session.Stage)
}

func (o *observer) Step(ctx context.Context, st session.Stage, msg string) {
	o.mu.Lock()
	o.stages = append(o.stages, st)
	fn := o.onStep
	o.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (o *observer) SlotFound(ctx context.Context, s session.Slot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.slots = append(o.slots, s)
}

func (o *observer) found() []session.Slot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]session.Slot(nil), o.slots...)
}

var errBrowserGone = errors.New("browser gone")
