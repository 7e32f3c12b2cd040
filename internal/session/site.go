package session

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v3"
)

type Stage string

const (
	StageLanding          Stage = "landing"
	StageIdentity         Stage = "identity"
	StageVerification     Stage = "verification"
	StageAppointmentType  Stage = "appointment_type"
	StageServiceSelection Stage = "service_selection"
	StageLocationSearch   Stage = "location_search"
	StageNoAvailability   Stage = "no_availability"
	StageDateSelection    Stage = "date_selection"
	StageTimeSelection    Stage = "time_selection"
	StageConfirm          Stage = "confirm"
	StageConfirmation     Stage = "confirmation"
)

var requiredStages = []Stage{
	StageLanding, StageIdentity, StageVerification, StageAppointmentType, StageServiceSelection,
	StageLocationSearch, StageNoAvailability, StageDateSelection, StageTimeSelection, StageConfirm, StageConfirmation,
}

// Input names a profile value a form field is filled from.
type Input string

const (
	InputFirstName    Input = "first_name"
	InputLastName     Input = "last_name"
	InputDOB          Input = "dob"
	InputLast4        Input = "last4"
	InputPhone        Input = "phone"
	InputEmail        Input = "email"
	InputEmailConfirm Input = "email_confirm"
	InputPostalCode   Input = "postal_code"
	InputCode         Input = "code"
)

// Matcher selects elements by CSS selector and, optionally, by a
// case-insensitive regular expression over their text.
type Matcher struct {
	Selector string `yaml:"selector"`
	Text     string `yaml:"text"`

	re *regexp.Regexp
}

// Target locates a form input by selector or by the text of its label.
type Target struct {
	Selector string `yaml:"selector"`
	Label    string `yaml:"label"`
}

// Control is something to click: the first element matching Selector whose
// text matches Text.
type Control struct {
	Selector string `yaml:"selector"`
	Text     string `yaml:"text"`
}

type Field struct {
	Input    Input `yaml:"input"`
	Target   `yaml:",inline"`
	Optional bool `yaml:"optional"`
}

// Signature is the data describing one stage: how to recognise it, what to
// type, what to press, and which stages may follow.
type Signature struct {
	Stage  Stage     `yaml:"stage"`
	Detect []Matcher `yaml:"detect"`
	Reject []Matcher `yaml:"reject"`
	Fields []Field   `yaml:"fields"`
	Clicks []Control `yaml:"clicks"`
	Submit *Control  `yaml:"submit"`
	Next   []Stage   `yaml:"next"`
}

type SlotSpec struct {
	Location    Matcher `yaml:"location"`
	DateControl string  `yaml:"date_control"`
	DatePattern string  `yaml:"date_pattern"`
	DateLayout  string  `yaml:"date_layout"`
	Exclude     string  `yaml:"exclude"`
	TimeControl string  `yaml:"time_control"`
	TimePattern string  `yaml:"time_pattern"`
	Next        Control `yaml:"next"`
	Previous    Control `yaml:"previous"`
	MaxDates    int     `yaml:"max_dates"`

	dateRe, excludeRe, timeRe *regexp.Regexp
}

type Site struct {
	Name           string      `yaml:"name"`
	BaseURL        string      `yaml:"base_url"`
	ServiceControl string      `yaml:"service_control"`
	Signatures     []Signature `yaml:"stages"`
	Slots          SlotSpec    `yaml:"slots"`
	ConfirmationID string      `yaml:"confirmation_id"`

	byStage        map[Stage]*Signature
	confirmationRe *regexp.Regexp
}

//go:embed txdps.yaml
var defaultSite []byte

// DefaultSite is the embedded signature set for the Texas DPS scheduler.
func DefaultSite() (*Site, error) { return ParseSite(defaultSite) }

// LoadSite reads a signature set from path, or the embedded default when
// path is empty.
func LoadSite(path string) (*Site, error) {
	if path == "" {
		return DefaultSite()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSite(b)
}

func ParseSite(b []byte) (*Site, error) {
	var s Site
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("site profile: %w", err)
	}
	if err := s.compile(); err != nil {
		return nil, fmt.Errorf("site profile %q: %w", s.Name, err)
	}
	return &s, nil
}

func (s *Site) compile() error {
	if s.BaseURL == "" {
		return fmt.Errorf("base_url required")
	}
	if s.ServiceControl == "" {
		s.ServiceControl = "button"
	}
	s.byStage = make(map[Stage]*Signature, len(s.Signatures))
	for i := range s.Signatures {
		sig := &s.Signatures[i]
		if len(sig.Detect) == 0 {
			return fmt.Errorf("stage %s: detect required", sig.Stage)
		}
		if err := compileAll(sig.Detect); err != nil {
			return fmt.Errorf("stage %s detect: %w", sig.Stage, err)
		}
		if err := compileAll(sig.Reject); err != nil {
			return fmt.Errorf("stage %s reject: %w", sig.Stage, err)
		}
		if _, dup := s.byStage[sig.Stage]; dup {
			return fmt.Errorf("stage %s defined twice", sig.Stage)
		}
		s.byStage[sig.Stage] = sig
	}
	for _, st := range requiredStages {
		if _, ok := s.byStage[st]; !ok {
			return fmt.Errorf("stage %s missing", st)
		}
	}

	sl := &s.Slots
	if err := sl.Location.compile(); err != nil {
		return fmt.Errorf("slots location: %w", err)
	}
	var err error
	if sl.dateRe, err = regexp.Compile(sl.DatePattern); err != nil || sl.DatePattern == "" {
		return fmt.Errorf("slots date_pattern: invalid or empty")
	}
	if sl.dateRe.NumSubexp() < 1 {
		return fmt.Errorf("slots date_pattern needs a capture group")
	}
	if sl.timeRe, err = regexp.Compile("(?i)" + sl.TimePattern); err != nil || sl.TimePattern == "" {
		return fmt.Errorf("slots time_pattern: invalid or empty")
	}
	if sl.Exclude != "" {
		if sl.excludeRe, err = regexp.Compile("(?i)" + sl.Exclude); err != nil {
			return fmt.Errorf("slots exclude: %w", err)
		}
	}
	if sl.DateLayout == "" {
		sl.DateLayout = "1/2/2006"
	}
	if sl.MaxDates <= 0 {
		sl.MaxDates = 3
	}
	if s.ConfirmationID != "" {
		if s.confirmationRe, err = regexp.Compile(s.ConfirmationID); err != nil {
			return fmt.Errorf("confirmation_id: %w", err)
		}
	}
	return nil
}

func compileAll(ms []Matcher) error {
	for i := range ms {
		if err := ms[i].compile(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Matcher) compile() error {
	if m.Selector == "" {
		m.Selector = "body"
	}
	if m.Text == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + m.Text)
	if err != nil {
		return err
	}
	m.re = re
	return nil
}

func (s *Site) Signature(st Stage) *Signature { return s.byStage[st] }

// Match reports whether every matcher finds at least one element.
func (m Matcher) Match(doc *goquery.Document) bool {
	return m.find(doc).Length() > 0
}

func (m Matcher) find(doc *goquery.Document) *goquery.Selection {
	sel := doc.Find(m.Selector)
	if m.re == nil {
		return sel
	}
	return sel.FilterFunction(func(_ int, el *goquery.Selection) bool {
		return m.re.MatchString(normalize(el.Text()))
	})
}

// Detects reports whether doc carries this stage's signature.
func (sig *Signature) Detects(doc *goquery.Document) bool {
	return allMatch(sig.Detect, doc)
}

// Rejected reports whether doc shows this stage's input-rejected signature.
func (sig *Signature) Rejected(doc *goquery.Document) bool {
	return len(sig.Reject) > 0 && allMatch(sig.Reject, doc)
}

func allMatch(ms []Matcher, doc *goquery.Document) bool {
	for _, m := range ms {
		if !m.Match(doc) {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
