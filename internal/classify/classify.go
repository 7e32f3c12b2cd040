// Package classify recommends a portal service category from a profile's
// situational flags.
package classify

import "fmt"

type Tag string

const (
	FirstTimeDL  Tag = "first_time_dl"
	RenewDL      Tag = "renew_dl"
	ReplaceDL    Tag = "replace_dl"
	TransferOOS  Tag = "transfer_oos"
	CDL          Tag = "cdl"
	TexasID      Tag = "texas_id"
	ChangeUpdate Tag = "change_update"
	Permit       Tag = "permit"
	NotListed    Tag = "not_listed"
)

type Flags struct {
	HasLocalCredential   bool `json:"has_local_credential"`
	HasForeignCredential bool `json:"has_foreign_credential"`
	CredentialExpired    bool `json:"credential_expired"`
	CredentialLost       bool `json:"credential_lost"`
	IsCommercial         bool `json:"is_commercial"`
	IDOnly               bool `json:"id_only"`
	NeedsPermit          bool `json:"needs_permit"`
}

func (f Flags) none() bool { return f == Flags{} }

type Service struct {
	Tag         Tag      `json:"tag"`
	Name        string   `json:"name"`
	Keywords    []string `json:"keywords"`
	Description string   `json:"description"`
}

// RecommendedService is computed once per job and never recomputed.
type RecommendedService struct {
	Service
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Tips       []string `json:"tips"`
}

var catalogue = map[Tag]Service{
	FirstTimeDL: {
		Name:        "Apply for first time Texas DL/Permit",
		Keywords:    []string{"apply for first time", "first time", "texas dl", "permit"},
		Description: "For people who have never held a Texas driver license",
	},
	RenewDL: {
		Name:        "Renew Texas DL/ID",
		Keywords:    []string{"renew"},
		Description: "For renewing an existing Texas DL or ID card",
	},
	ReplaceDL: {
		Name:        "Replace Texas DL/ID",
		Keywords:    []string{"replace"},
		Description: "For replacing a lost, stolen, or damaged Texas DL or ID",
	},
	TransferOOS: {
		Name:        "Transfer out-of-state DL to Texas",
		Keywords:    []string{"transfer", "out-of-state", "out of state"},
		Description: "For transferring a valid out-of-state license to Texas",
	},
	CDL: {
		Name:        "Commercial Driver License (CDL)",
		Keywords:    []string{"commercial", "cdl"},
		Description: "For commercial driver license services",
	},
	TexasID: {
		Name:        "Apply for Texas ID card",
		Keywords:    []string{"id card", "texas id"},
		Description: "For applying for a Texas identification card (non-driver)",
	},
	ChangeUpdate: {
		Name:        "Change/update information on DL/ID",
		Keywords:    []string{"change", "update"},
		Description: "For updating name, address, or other info on your DL/ID",
	},
	Permit: {
		Name:        "Apply for Learner Permit",
		Keywords:    []string{"learner", "permit"},
		Description: "For teens under 18 applying for a learner permit",
	},
	NotListed: {
		Name:        "Service not listed",
		Keywords:    []string{"other", "service not listed"},
		Description: "No rule matched; review the profile and pick a service manually",
	},
}

// Lookup returns the catalogue entry for tag.
func Lookup(tag Tag) (Service, bool) {
	s, ok := catalogue[tag]
	if !ok {
		return Service{}, false
	}
	s.Tag = tag
	return s, true
}

// Tags lists every known tag.
func Tags() []Tag {
	return []Tag{FirstTimeDL, RenewDL, ReplaceDL, TransferOOS, CDL, TexasID, ChangeUpdate, Permit, NotListed}
}

type rule struct {
	match      func(Flags) bool
	tag        Tag
	confidence func(Flags) float64
	rationale  string
}

func fixed(c float64) func(Flags) float64 { return func(Flags) float64 { return c } }

func withLocal(hi, lo float64) func(Flags) float64 {
	return func(f Flags) float64 {
		if f.HasLocalCredential {
			return hi
		}
		return lo
	}
}

// rules is evaluated top to bottom; the first match wins.
// FirstTimeDL has no rule: no flags maps to NotListed, and FirstTimeDL is reached only through Override.
var rules = []rule{
	{
		match:      func(f Flags) bool { return f.IsCommercial },
		tag:        CDL,
		confidence: fixed(0.95),
		rationale:  "Commercial driving services are needed.",
	},
	{
		match:      func(f Flags) bool { return f.IDOnly },
		tag:        TexasID,
		confidence: fixed(0.95),
		rationale:  "An identification card is needed, not a driver license.",
	},
	{
		match:      func(f Flags) bool { return f.NeedsPermit },
		tag:        Permit,
		confidence: fixed(0.95),
		rationale:  "A learner permit is needed.",
	},
	{
		match:      func(f Flags) bool { return f.CredentialLost },
		tag:        ReplaceDL,
		confidence: withLocal(0.95, 0.80),
		rationale:  "The credential was lost or stolen and needs a replacement.",
	},
	{
		match: func(f Flags) bool {
			return f.CredentialExpired && (f.HasLocalCredential || !f.HasForeignCredential)
		},
		tag:        RenewDL,
		confidence: withLocal(0.95, 0.85),
		rationale:  "The credential has expired and needs to be renewed.",
	},
	{
		match:      func(f Flags) bool { return f.HasForeignCredential && !f.HasLocalCredential },
		tag:        TransferOOS,
		confidence: fixed(0.90),
		rationale:  "An out-of-state license needs to be transferred.",
	},
	{
		match:      func(f Flags) bool { return f.HasLocalCredential },
		tag:        ChangeUpdate,
		confidence: fixed(0.70),
		rationale:  "A valid local credential is held; assuming its information needs an update. Revise the profile if another service is needed.",
	},
}

const fallbackConfidence = 0.30

// Classify is total: every flag set yields exactly one recommendation.
func Classify(f Flags, location string) RecommendedService {
	for _, r := range rules {
		if r.match(f) {
			return recommend(r.tag, r.confidence(f), r.rationale, location)
		}
	}
	rationale := "No situational flags were provided; the service could not be determined."
	if !f.none() {
		rationale = "The flag combination does not map to a known service."
	}
	return recommend(NotListed, fallbackConfidence, rationale, location)
}

// Override builds a recommendation for an explicitly chosen service.
func Override(tag Tag, location string) (RecommendedService, error) {
	if _, ok := catalogue[tag]; !ok {
		return RecommendedService{}, fmt.Errorf("unknown service %q", tag)
	}
	return recommend(tag, 1, "Service chosen explicitly.", location), nil
}

func recommend(tag Tag, confidence float64, rationale, location string) RecommendedService {
	s, _ := Lookup(tag)
	return RecommendedService{
		Service:    s,
		Confidence: confidence,
		Rationale:  rationale,
		Tips:       Tips(tag, location),
	}
}
