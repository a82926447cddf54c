package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

var nonNameChars = regexp.MustCompile(`[^A-Z ]`)

// NormalizeName folds a PN value so that "SMITH^JOHN", "John Smith" and
// "smith, john" compare equal.
func NormalizeName(name string) string {
	name = strings.NewReplacer("^", " ", ",", " ").Replace(strings.ToUpper(name))
	parts := strings.Fields(nonNameChars.ReplaceAllString(name, ""))
	sort.Strings(parts)
	return strings.Join(parts, "")
}

// Names and birth dates that registration desks enter when the real value is
// unknown. Names are compared in upper case with separators removed.
var (
	placeholderNames = map[string]bool{
		"UNKNOWN": true, "NONAME": true, "ANONYMOUS": true, "TEST": true, "PATIENT": true,
	}
	placeholderBirthDates = map[string]bool{
		"00000000": true, "11111111": true, "19000101": true, "99999999": true,
	}
)

// IdentityKey keys the external pseudonym index by name and birth date, so a
// patient registered under another PatientID keeps its pseudonym. It reports
// false when either value is a placeholder or too vague to match on.
func (p Patient) IdentityKey(salt string) (string, bool) {
	name := NormalizeName(p.Name)
	compact := strings.Join(strings.Fields(strings.NewReplacer("^", " ", ",", " ").Replace(strings.ToUpper(p.Name))), "")
	dob := strings.TrimSpace(p.BirthDate)
	if len(name) < 3 || placeholderNames[compact] || len(dob) != 8 || placeholderBirthDates[dob] {
		return "", false
	}
	sum := sha256.Sum256([]byte(name + "|" + dob + "|" + salt))
	return strings.ToUpper(hex.EncodeToString(sum[:6])), true
}
