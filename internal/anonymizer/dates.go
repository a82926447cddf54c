package anonymizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	layoutDA = "20060102"
	layoutTM = "150405"
	layoutDT = "20060102150405"
)

// Date format options of action.on.dates.
const (
	FormatRemoveDay      = "remove_day"
	FormatRemoveMonthDay = "remove_month_day"
)

// IsDateVR reports whether vr is handled by the date rules.
func IsDateVR(vr string) bool {
	switch vr {
	case "AS", "DA", "DT", "TM":
		return true
	}
	return false
}

// ShiftValue moves a temporal value back by days and seconds. Ages move
// forward by the number of whole units contained in days.
func ShiftValue(vr, value string, days, seconds int) (string, error) {
	value = strings.TrimSpace(value)
	switch vr {
	case "DA":
		d, err := time.Parse(layoutDA, normalizeDA(value))
		if err != nil {
			return "", fmt.Errorf("invalid DA %q", value)
		}
		return d.AddDate(0, 0, -days).Format(layoutDA), nil

	case "TM":
		tm, frac, err := parseTM(value)
		if err != nil {
			return "", err
		}
		return tm.Add(-time.Duration(seconds) * time.Second).Format(layoutTM) + frac, nil

	case "DT":
		dt, digits, suffix, err := parseDT(value)
		if err != nil {
			return "", err
		}
		dt = dt.AddDate(0, 0, -days).Add(-time.Duration(seconds) * time.Second)
		return dt.Format(layoutDT[:digits]) + suffix, nil

	case "AS":
		return shiftAge(value, days)
	}
	return "", fmt.Errorf("VR %s is not a date or time", vr)
}

func shiftAge(value string, days int) (string, error) {
	if len(value) != 4 {
		return "", fmt.Errorf("invalid AS %q", value)
	}
	age, err := strconv.Atoi(value[:3])
	if err != nil {
		return "", fmt.Errorf("invalid AS %q", value)
	}
	unit := value[3:]
	switch unit {
	case "Y":
		age += days / 365
	case "M":
		age += days / 30
	case "W":
		age += days / 7
	case "D":
		age += days
	default:
		return "", fmt.Errorf("invalid AS unit in %q", value)
	}
	if age < 0 || age > 999 {
		return "", fmt.Errorf("AS %q shifted out of range", value)
	}
	return fmt.Sprintf("%03d%s", age, unit), nil
}

// normalizeDA accepts the retired YYYY.MM.DD form.
func normalizeDA(v string) string {
	return strings.ReplaceAll(v, ".", "")
}

// parseTM reads HH, HHMM or HHMMSS with an optional fraction, which is
// returned unchanged.
func parseTM(v string) (time.Time, string, error) {
	v = strings.ReplaceAll(v, ":", "")
	frac := ""
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v, frac = v[:i], v[i:]
	}
	switch len(v) {
	case 2:
		v += "0000"
	case 4:
		v += "00"
	case 6:
	default:
		return time.Time{}, "", fmt.Errorf("invalid TM %q", v+frac)
	}
	tm, err := time.Parse(layoutTM, v)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid TM %q", v+frac)
	}
	return tm, frac, nil
}

// parseDT reads YYYY[MM[DD[HH[MM[SS]]]]] and returns the number of digits
// given, so the shifted value keeps the same precision. The fraction and UTC
// offset are returned unchanged.
func parseDT(v string) (time.Time, int, string, error) {
	suffix := ""
	if i := strings.IndexAny(v, ".+-"); i >= 0 {
		v, suffix = v[:i], v[i:]
	}
	if len(v) < 4 || len(v) > 14 || len(v)%2 != 0 {
		return time.Time{}, 0, "", fmt.Errorf("invalid DT %q", v+suffix)
	}
	dt, err := time.Parse(layoutDT[:len(v)], v)
	if err != nil {
		return time.Time{}, 0, "", fmt.Errorf("invalid DT %q", v+suffix)
	}
	return dt, len(v), suffix, nil
}

// FormatDate truncates the day, or month and day, of DA and DT values.
// Other VRs are returned unchanged.
func FormatDate(vr, value, format string) (string, error) {
	value = strings.TrimSpace(value)
	if vr != "DA" && vr != "DT" {
		return value, nil
	}
	if vr == "DA" {
		value = normalizeDA(value)
	}
	if len(value) < 8 {
		return "", fmt.Errorf("invalid %s %q", vr, value)
	}
	if _, err := time.Parse(layoutDA, value[:8]); err != nil {
		return "", fmt.Errorf("invalid %s %q", vr, value)
	}
	switch format {
	case FormatRemoveDay:
		return value[:6] + "01" + value[8:], nil
	case FormatRemoveMonthDay:
		return value[:4] + "0101" + value[8:], nil
	}
	return "", fmt.Errorf("unknown date format %q", format)
}
