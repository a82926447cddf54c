package dicom

import "strings"

// SOP Class families that routinely carry burned-in annotations.
var burnedInFamilies = []string{
	"1.2.840.10008.5.1.4.1.1.6", // Ultrasound
	"1.2.840.10008.5.1.4.1.1.7", // Secondary Capture
	"1.2.840.10008.5.1.4.1.1.3", // Ultrasound Multi-frame (retired)
}

// burnedInClasses are individual SOP Classes outside those families.
var burnedInClasses = map[string]bool{
	"1.2.840.10008.5.1.4.1.1.77.1.1": true, // VL Endoscopic Image
}

// MayCarryBurnedInAnnotation reports whether pixel data of this object must
// be masked before it leaves the gateway.
func MayCarryBurnedInAnnotation(t *Tree) bool {
	if strings.EqualFold(t.String(BurnedInAnnotation), "YES") {
		return true
	}
	return IsBurnedInSOPClass(t.SOPClassUID())
}

// IsBurnedInSOPClass matches cuid against the burned-in SOP Class table.
func IsBurnedInSOPClass(cuid string) bool {
	if burnedInClasses[cuid] {
		return true
	}
	for _, family := range burnedInFamilies {
		if cuid == family || strings.HasPrefix(cuid, family+".") {
			return true
		}
	}
	return false
}
