package classify

import "fmt"

var general = []string{
	"Have all required documents ready before your appointment.",
	"Arrive 15 minutes early to your appointment.",
}

var perService = map[Tag][]string{
	FirstTimeDL: {
		"Bring proof of identity (passport or birth certificate).",
		"Bring proof of Social Security number.",
		"Bring two proofs of Texas residency (utility bills, lease, etc.).",
		"You will need to pass a written knowledge test and driving test.",
	},
	RenewDL: {
		"Bring your expiring or expired Texas DL.",
		"If expired more than 2 years, you may need to retake tests.",
	},
	ReplaceDL: {
		"Bring another form of photo ID if possible.",
		"You may need to file a police report if your license was stolen.",
	},
	TransferOOS: {
		"Bring your valid out-of-state license.",
		"Bring proof of Texas residency.",
		"Your out-of-state license will be collected at the office.",
	},
	CDL: {
		"Bring your current DL and any existing CDL.",
		"You will need a valid DOT medical card.",
		"Study the CDL manual for the appropriate vehicle class.",
	},
	TexasID: {
		"Bring proof of identity (passport or birth certificate).",
		"Bring proof of Social Security number.",
		"Bring two proofs of Texas residency.",
	},
	Permit: {
		"A parent or legal guardian must accompany you.",
		"Bring proof of enrollment in a driver education course.",
		"Bring the parent or guardian consent form.",
	},
}

// Tips returns booking tips for tag, ending with a location note when
// location is set.
func Tips(tag Tag, location string) []string {
	out := append([]string(nil), general...)
	out = append(out, perService[tag]...)
	if location != "" {
		out = append(out, fmt.Sprintf("Monitoring %s area locations for the earliest appointments.", location))
	}
	return out
}
