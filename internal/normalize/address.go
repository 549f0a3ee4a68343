package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/lead-aggregator/internal/model"
)

// streetSuffixes maps long street types to USPS abbreviations.
var streetSuffixes = map[string]string{
	"street": "st", "str": "st",
	"avenue": "ave", "av": "ave", "avn": "ave",
	"boulevard": "blvd", "blv": "blvd",
	"road": "rd",
	"drive": "dr", "drv": "dr",
	"lane": "ln",
	"court": "ct",
	"circle": "cir", "circ": "cir",
	"place": "pl",
	"terrace": "ter",
	"parkway": "pkwy", "pky": "pkwy",
	"highway": "hwy",
	"square": "sq",
	"trail": "trl",
	"way": "way",
	"expressway": "expy",
	"freeway": "fwy",
	"crossing": "xing",
	"point": "pt",
	"heights": "hts",
	"cove": "cv",
	"loop": "loop",
	"alley": "aly",
}

var directionals = map[string]string{
	"north": "n", "south": "s", "east": "e", "west": "w",
	"northeast": "ne", "northwest": "nw", "southeast": "se", "southwest": "sw",
}

// unitDesignators maps unit words to their canonical designator.
var unitDesignators = map[string]string{
	"apartment": "apt", "apt": "apt", "unit": "apt", "#": "apt",
	"suite": "ste", "ste": "ste",
	"building": "bldg", "bldg": "bldg",
	"floor": "fl", "fl": "fl",
	"lot": "lot",
}

// stateCodes maps lowercase full state names to USPS codes.
var stateCodes = map[string]string{
	"alabama": "al", "alaska": "ak", "arizona": "az", "arkansas": "ar",
	"california": "ca", "colorado": "co", "connecticut": "ct", "delaware": "de",
	"florida": "fl", "georgia": "ga", "hawaii": "hi", "idaho": "id",
	"illinois": "il", "indiana": "in", "iowa": "ia", "kansas": "ks",
	"kentucky": "ky", "louisiana": "la", "maine": "me", "maryland": "md",
	"massachusetts": "ma", "michigan": "mi", "minnesota": "mn", "mississippi": "ms",
	"missouri": "mo", "montana": "mt", "nebraska": "ne", "nevada": "nv",
	"new hampshire": "nh", "new jersey": "nj", "new mexico": "nm", "new york": "ny",
	"north carolina": "nc", "north dakota": "nd", "ohio": "oh", "oklahoma": "ok",
	"oregon": "or", "pennsylvania": "pa", "rhode island": "ri", "south carolina": "sc",
	"south dakota": "sd", "tennessee": "tn", "texas": "tx", "utah": "ut",
	"vermont": "vt", "virginia": "va", "washington": "wa", "west virginia": "wv",
	"wisconsin": "wi", "wyoming": "wy", "district of columbia": "dc",
	"puerto rico": "pr",
}

var validStateCodes = func() map[string]bool {
	m := make(map[string]bool, len(stateCodes))
	for _, code := range stateCodes {
		m[code] = true
	}
	return m
}()

var (
	zipRe        = regexp.MustCompile(`^(\d{5})(?:-?\d{4})?$`)
	stateZipRe   = regexp.MustCompile(`^(.*?)\s*(\d{5}(?:-?\d{4})?)$`)
	nonAddressRe = regexp.MustCompile(`[^a-z0-9#/\- ]+`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// fold strips diacritics and lower-cases s.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// clean folds s, strips punctuation and collapses whitespace.
func clean(s string) string {
	s = fold(s)
	s = strings.NewReplacer(".", "", ",", " ", "'", "", "\t", " ").Replace(s)
	s = nonAddressRe.ReplaceAllString(s, " ")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// CanonicalStreet abbreviates directionals and the street type and splits
// off a trailing unit ("123 North Main Street Apt. 4" -> "123 n main st",
// "apt 4").
func CanonicalStreet(street string) (string, string) {
	tokens := strings.Fields(strings.ReplaceAll(clean(street), "#", " # "))
	unit := ""
	for i := 1; i+1 < len(tokens); i++ {
		if d, ok := unitDesignators[tokens[i]]; ok && d != "lot" {
			unit = canonicalUnitTokens(d, tokens[i+1:])
			tokens = tokens[:i]
			break
		}
	}

	for i, tok := range tokens {
		if abbr, ok := directionals[tok]; ok && i > 0 {
			tokens[i] = abbr
		}
	}
	// The street type is the last token, or the one before a trailing
	// directional ("park avenue south").
	j := len(tokens) - 1
	if j > 1 && isDirectional(tokens[j]) {
		j--
	}
	if j > 0 {
		if abbr, ok := streetSuffixes[tokens[j]]; ok {
			tokens[j] = abbr
		}
	}
	return strings.Join(tokens, " "), unit
}

func isDirectional(tok string) bool {
	for _, abbr := range directionals {
		if tok == abbr {
			return true
		}
	}
	return false
}

// CanonicalUnit normalizes unit designators ("Apartment 4B", "#4b",
// "Unit 4B" all become "apt 4b").
func CanonicalUnit(unit string) string {
	tokens := strings.Fields(strings.ReplaceAll(clean(unit), "#", " # "))
	if len(tokens) == 0 {
		return ""
	}
	if d, ok := unitDesignators[tokens[0]]; ok {
		if len(tokens) == 1 {
			return ""
		}
		return canonicalUnitTokens(d, tokens[1:])
	}
	return canonicalUnitTokens("apt", tokens)
}

func canonicalUnitTokens(designator string, rest []string) string {
	var ids []string
	for _, t := range rest {
		if t == "#" {
			continue
		}
		ids = append(ids, t)
	}
	if len(ids) == 0 {
		return ""
	}
	return designator + " " + strings.Join(ids, "")
}

// CanonicalState returns the lowercase USPS code for a state name or code,
// or "" when unrecognized.
func CanonicalState(state string) string {
	s := clean(state)
	if validStateCodes[s] {
		return s
	}
	if code, ok := stateCodes[s]; ok {
		return code
	}
	return ""
}

// CanonicalZip truncates ZIP+4 to five digits. Anything else returns "".
func CanonicalZip(zip string) string {
	m := zipRe.FindStringSubmatch(strings.TrimSpace(zip))
	if m == nil {
		return ""
	}
	return m[1]
}

// CanonicalCity folds and collapses a city name.
func CanonicalCity(city string) string {
	return strings.ReplaceAll(clean(city), "#", "")
}

// CanonicalAddress canonicalizes every component of addr and renders it in
// display case. The lowercase form of the result is what fingerprints hash.
func CanonicalAddress(addr model.Address) model.Address {
	street, unitFromStreet := CanonicalStreet(addr.Street)
	unit := CanonicalUnit(addr.Unit)
	if unit == "" {
		unit = unitFromStreet
	}
	return model.Address{
		Street: displayCase(street),
		Unit:   displayCase(unit),
		City:   displayCase(CanonicalCity(addr.City)),
		State:  strings.ToUpper(CanonicalState(addr.State)),
		Zip:    CanonicalZip(addr.Zip),
	}
}

// ParseAddressLine splits a single-line US address such as
// "123 Main St, Apt 4, Springfield, IL 62701" into components. Components
// it cannot identify are left empty.
func ParseAddressLine(line string) model.Address {
	var parts []string
	for _, p := range strings.Split(fold(line), ",") {
		if p = strings.TrimSpace(p); p != "" && p != "usa" && p != "united states" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return model.Address{}
	}
	if len(parts) == 1 {
		return parseUndelimited(parts[0])
	}

	var addr model.Address
	addr.Street = parts[0]
	rest := parts[1:]

	if len(rest) > 0 {
		if first := strings.Fields(strings.ReplaceAll(clean(rest[0]), "#", " # ")); len(first) > 0 {
			if _, ok := unitDesignators[first[0]]; ok {
				addr.Unit = rest[0]
				rest = rest[1:]
			}
		}
	}

	if n := len(rest); n > 0 && CanonicalZip(rest[n-1]) != "" {
		addr.Zip = rest[n-1]
		rest = rest[:n-1]
	}
	if n := len(rest); n > 0 {
		last := strings.TrimSpace(rest[n-1])
		if m := stateZipRe.FindStringSubmatch(last); m != nil && addr.Zip == "" {
			if st := CanonicalState(m[1]); st != "" {
				addr.State, addr.Zip = st, m[2]
				rest = rest[:n-1]
			}
		} else if st := CanonicalState(last); st != "" {
			addr.State = st
			rest = rest[:n-1]
		}
	}
	addr.City = strings.Join(rest, " ")
	return addr
}

// parseUndelimited handles "123 Main St Springfield IL 62701" by peeling
// the zip and state off the end and splitting street from city at the last
// street suffix.
func parseUndelimited(line string) model.Address {
	tokens := strings.Fields(clean(line))
	var addr model.Address
	if n := len(tokens); n > 0 && CanonicalZip(tokens[n-1]) != "" {
		addr.Zip = tokens[n-1]
		tokens = tokens[:n-1]
	}
	if n := len(tokens); n > 0 && validStateCodes[tokens[n-1]] {
		addr.State = tokens[n-1]
		tokens = tokens[:n-1]
	}

	split := -1
	for i := len(tokens) - 1; i > 0; i-- {
		if _, ok := streetSuffixes[tokens[i]]; ok {
			split = i + 1
			break
		}
		if isStreetAbbr(tokens[i]) {
			split = i + 1
			break
		}
	}
	if split < 0 {
		addr.Street = strings.Join(tokens, " ")
		return addr
	}
	// A unit right after the suffix stays with the street.
	if split+1 < len(tokens) {
		if _, ok := unitDesignators[tokens[split]]; ok {
			split += 2
		}
	}
	addr.Street = strings.Join(tokens[:split], " ")
	addr.City = strings.Join(tokens[split:], " ")
	return addr
}

func isStreetAbbr(tok string) bool {
	for _, abbr := range streetSuffixes {
		if tok == abbr {
			return true
		}
	}
	return false
}

// displayCase title-cases canonical text ("123 n main st" -> "123 N Main St").
func displayCase(s string) string {
	if s == "" {
		return ""
	}
	return cases.Title(language.English).String(s)
}
