package verify

import "regexp"

var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)passcode[:\s]+([0-9]{4,6})\b`),
	regexp.MustCompile(`(?i)code[:\s]+([0-9]{4,6})\b`),
	regexp.MustCompile(`(?i)otp[:\s]+([0-9]{4,6})\b`),
	regexp.MustCompile(`(?i)verification[:\s]+([0-9]{4,6})\b`),
	regexp.MustCompile(`(?i)\b([0-9]{4,6})\b.*(?:passcode|code|otp|verify)`),
	regexp.MustCompile(`<[^>]*>\s*([0-9]{4,6})\s*<[^>]*>`),
	regexp.MustCompile(`\b([0-9]{6})\b`),
}

// ExtractCode finds a one-time code in a message subject or body.
func ExtractCode(text string) (string, bool) {
	for _, p := range codePatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	return "", false
}
