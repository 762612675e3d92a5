package ucs

import (
	"regexp"
	"strings"
)

var (
	spacesRe = regexp.MustCompile(`\s+`)
	regRe    = regexp.MustCompile(`^([A-Z]{1,2})([0-9A-Z]{1,4})`)
)

// FormatRegistration normalizes an aircraft registration scraped from
// the flight-info page. US registrations (leading N) pass through
// unchanged; others are stripped of spaces and split into a 1-2 letter
// prefix and 1-4 alphanumeric suffix joined with a dash. Unparseable
// input is returned as-is so the user can fix it downstream.
func FormatRegistration(in string) string {
	if in == "" {
		return in
	}
	if strings.HasPrefix(in, "N") {
		return in
	}
	noSpaces := spacesRe.ReplaceAllString(in, "")
	if strings.Contains(noSpaces, "-") {
		return noSpaces
	}
	if m := regRe.FindStringSubmatch(noSpaces); m != nil {
		return m[1] + "-" + m[2]
	}
	return in
}
