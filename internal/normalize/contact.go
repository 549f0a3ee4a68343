package normalize

import (
	"net/mail"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	listSepRe   = regexp.MustCompile(`[;,/|]+|\s+or\s+`)
	emailSepRe  = regexp.MustCompile(`[;,\s]+`)
	nameJunkRe  = regexp.MustCompile(`[^\p{L}\p{N}.'\- ]+`)
	nameSuffixR = regexp.MustCompile(`(?i)^(jr|sr|ii|iii|iv|llc|inc|trust|estate)\.?$`)
)

// NormalizePhone reduces a US phone number to its ten digits, dropping a
// leading country code. Anything else returns "".
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 || digits[0] == '0' || digits[0] == '1' {
		return ""
	}
	return digits
}

// NormalizePhones splits a multi-valued phone field and returns the valid
// numbers, deduplicated, in input order.
func NormalizePhones(s string) []string {
	var out []string
	for _, part := range listSepRe.Split(s, -1) {
		if p := NormalizePhone(part); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// NormalizeEmail lower-cases an address and rejects anything net/mail
// cannot parse or that lacks a dotted domain.
func NormalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "mailto:")))
	if s == "" {
		return ""
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return ""
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || !strings.Contains(addr.Address[at+1:], ".") {
		return ""
	}
	return addr.Address
}

// NormalizeEmails splits a multi-valued email field.
func NormalizeEmails(s string) []string {
	var out []string
	for _, part := range emailSepRe.Split(s, -1) {
		if e := NormalizeEmail(part); e != "" && !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

// CleanName collapses whitespace, strips stray punctuation and title-cases
// an owner name. County exports written "SMITH, JOHN A" are flipped to
// "John A Smith".
func CleanName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	if last, first, ok := strings.Cut(name, ","); ok && !strings.Contains(first, ",") {
		first = strings.TrimSpace(first)
		if first != "" && !nameSuffixR.MatchString(first) {
			name = first + " " + strings.TrimSpace(last)
		}
	}

	name = nameJunkRe.ReplaceAllString(name, " ")
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return ""
	}
	return cases.Title(language.English).String(name)
}
