package session

import (
	"sort"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/example/appt-scheduler/internal/profile"
)

type Slot struct {
	Location string    `json:"location"`
	Date     time.Time `json:"date"`
	Time     string    `json:"time,omitempty"`
	// Label is the text the portal showed for the date.
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func (s Slot) SameDay(o Slot) bool {
	return s.Date.Year() == o.Date.Year() && s.Date.YearDay() == o.Date.YearDay()
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Score rates a date from 0 (past) to 1 (today) and applies the priority.
func Score(date, today time.Time, p profile.SlotPriority) float64 {
	delta := int(dayStart(date).Sub(dayStart(today)).Hours() / 24)
	if delta < 0 {
		return 0
	}
	var score float64
	switch {
	case delta == 0:
		score = 1.0
	case delta == 1:
		score = 0.90
	case delta <= 3:
		score = 0.75
	case delta <= 7:
		score = 0.60
	case delta <= 14:
		score = 0.40
	case delta <= 30:
		score = 0.25
	default:
		score = 0.10
	}

	switch p {
	case profile.PrioritySameDay:
		if delta > 0 {
			score *= 0.5
		}
	case profile.PriorityNextDay:
		if delta <= 1 {
			score = max(score, 0.95)
		}
	case profile.PriorityThisWeek:
		if delta <= 7 {
			score = max(score, 0.80)
		}
	}
	return score
}

// Rank scores slots and orders them best first; ties go to the earlier
// date. Past dates are dropped.
func Rank(slots []Slot, today time.Time, p profile.SlotPriority) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		s.Score = Score(s.Date, today, p)
		if s.Score <= 0 {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// extractSlots reads the offered dates and the location heading from a
// date-selection page.
func (s *Site) extractSlots(doc *goquery.Document) []Slot {
	sp := &s.Slots
	location := ""
	if sel := sp.Location.find(doc); sel.Length() > 0 {
		location = normalize(sel.First().Text())
	}

	seen := map[string]bool{}
	var out []Slot
	doc.Find(sp.DateControl).Each(func(_ int, el *goquery.Selection) {
		text := normalize(el.Text())
		if sp.excludeRe != nil && sp.excludeRe.MatchString(text) {
			return
		}
		m := sp.dateRe.FindStringSubmatch(text)
		if m == nil || seen[m[1]] {
			return
		}
		d, err := time.Parse(sp.DateLayout, m[1])
		if err != nil {
			return
		}
		seen[m[1]] = true
		out = append(out, Slot{Location: location, Date: d, Label: m[1]})
	})
	return out
}

func (s *Site) firstTime(doc *goquery.Document) (string, bool) {
	var found string
	doc.Find(s.Slots.TimeControl).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if m := s.Slots.timeRe.FindString(normalize(el.Text())); m != "" {
			found = m
			return false
		}
		return true
	})
	return found, found != ""
}

func (s *Site) confirmationID(doc *goquery.Document) string {
	if s.confirmationRe == nil {
		return ""
	}
	if m := s.confirmationRe.FindStringSubmatch(normalize(doc.Text())); len(m) > 1 {
		return m[1]
	}
	return ""
}
