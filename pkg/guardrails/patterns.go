// Package guardrails enforces the pre-send checks that gate every outbound
// effect: no auto-cancellation, no auto-payment without user confirmation,
// the per-customer message cap, PHI pattern scanning on generated text, and
// the consent gate.
package guardrails

import (
	"regexp"
)

// CompiledPattern holds a pre-compiled PHI regex with its redaction
// replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns are the PHI shapes scanned in every generated message.
// A match is a terminal error; the message is never sent.
var builtinPatterns = []*CompiledPattern{
	{
		Name:        "ssn",
		Regex:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Replacement: "[REDACTED-SSN]",
		Description: "US Social Security Number",
	},
	{
		Name:        "mrn",
		Regex:       regexp.MustCompile(`(?i)\bMRN[:#\s]*\d{6,10}\b`),
		Replacement: "[REDACTED-MRN]",
		Description: "Medical record number",
	},
	{
		Name:        "icd10",
		Regex:       regexp.MustCompile(`\b[A-TV-Z]\d{2}\.\d{1,4}\b`),
		Replacement: "[REDACTED-DIAGNOSIS]",
		Description: "ICD-10 diagnosis code",
	},
	{
		Name:        "clinical_terms",
		Regex:       regexp.MustCompile(`(?i)\b(diagnos(?:is|ed)|prescri(?:bed|ption)|chemotherapy|biopsy|hiv[- ]positive|psychiatric evaluation)\b`),
		Replacement: "[REDACTED-CLINICAL]",
		Description: "Clinical terminology",
	},
}

// ScanPHI checks text against the PHI pattern set and returns the names of
// all matching patterns. Empty means clean.
func ScanPHI(text string) []string {
	var hits []string
	for _, p := range builtinPatterns {
		if p.Regex.MatchString(text) {
			hits = append(hits, p.Name)
		}
	}
	return hits
}

// Redact replaces every PHI match in text with its pattern's replacement.
// Used to produce the loggable record of a violation; the original text is
// never persisted.
func Redact(text string) string {
	for _, p := range builtinPatterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}
