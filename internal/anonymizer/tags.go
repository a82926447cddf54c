package anonymizer

import (
	"fmt"
	"strconv"
	"strings"

	dcm "dicom-gateway/internal/dicom"
)

// TagPattern matches a tag, or a family of tags when some hex digits are
// written as "x" such as (50xx,xxxx).
type TagPattern struct {
	Value dcm.Tag
	Mask  dcm.Tag
}

// Match reports whether tg belongs to the pattern.
func (p TagPattern) Match(tg dcm.Tag) bool {
	return tg&p.Mask == p.Value
}

// Exact reports whether the pattern names a single tag.
func (p TagPattern) Exact() bool { return p.Mask == 0xFFFFFFFF }

func (p TagPattern) String() string {
	s := fmt.Sprintf("%08X", uint32(p.Value))
	b := []byte(s)
	for i := 0; i < 8; i++ {
		if uint32(p.Mask)>>(28-4*i)&0xF == 0 {
			b[i] = 'x'
		}
	}
	return "(" + string(b[:4]) + "," + string(b[4:]) + ")"
}

// ParseTagPattern accepts the forms of dicom.ParseTag plus "x" wildcards.
func ParseTagPattern(s string) (TagPattern, error) {
	hex := strings.NewReplacer("(", "", ")", "", ",", "", " ", "").Replace(strings.TrimSpace(s))
	if len(hex) == 8 && strings.ContainsAny(hex, "xX") {
		var value, mask uint32
		for _, c := range hex {
			value <<= 4
			mask <<= 4
			if c == 'x' || c == 'X' {
				continue
			}
			d, err := strconv.ParseUint(string(c), 16, 8)
			if err != nil {
				return TagPattern{}, fmt.Errorf("invalid tag pattern %q", s)
			}
			value |= uint32(d)
			mask |= 0xF
		}
		return TagPattern{Value: dcm.Tag(value), Mask: dcm.Tag(mask)}, nil
	}
	tg, err := dcm.ParseTag(s)
	if err != nil {
		return TagPattern{}, err
	}
	return TagPattern{Value: tg, Mask: 0xFFFFFFFF}, nil
}

// TagSet is a set of exact tags and patterns.
type TagSet struct {
	exact    map[dcm.Tag]struct{}
	patterns []TagPattern
}

// NewTagSet parses every entry and returns all parse errors.
func NewTagSet(entries []string) (TagSet, []error) {
	s := TagSet{exact: make(map[dcm.Tag]struct{})}
	var errs []error
	for _, entry := range entries {
		p, err := ParseTagPattern(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.Add(p)
	}
	return s, errs
}

// Add inserts a pattern.
func (s *TagSet) Add(p TagPattern) {
	if p.Exact() {
		if s.exact == nil {
			s.exact = make(map[dcm.Tag]struct{})
		}
		s.exact[p.Value] = struct{}{}
		return
	}
	s.patterns = append(s.patterns, p)
}

// Empty reports whether the set has no entries.
func (s TagSet) Empty() bool { return len(s.exact) == 0 && len(s.patterns) == 0 }

// Contains reports whether tg matches an entry.
func (s TagSet) Contains(tg dcm.Tag) bool {
	if _, ok := s.exact[tg]; ok {
		return true
	}
	for _, p := range s.patterns {
		if p.Match(tg) {
			return true
		}
	}
	return false
}

type basicEntry struct {
	tag  dcm.Tag
	code string
}

// basicProfileTable is the Basic Profile column of the attribute
// confidentiality table (PS3.15 E.1-1).
var basicProfileTable = []basicEntry{
	{0x00080050, "Z"},      // AccessionNumber
	{0x00184000, "X"},      // AcquisitionComments
	{0x00400555, "X"},      // AcquisitionContextSequence
	{0x00080022, "X/Z"},    // AcquisitionDate
	{0x0008002A, "X/D"},    // AcquisitionDateTime
	{0x00181400, "X/D"},    // AcquisitionDeviceProcessingDescription
	{0x00189424, "X"},      // AcquisitionProtocolDescription
	{0x00080032, "X/Z"},    // AcquisitionTime
	{0x00404035, "X"},      // ActualHumanPerformersSequence
	{0x001021B0, "X"},      // AdditionalPatientHistory
	{0x00380010, "X"},      // AdmissionID
	{0x00380020, "X"},      // AdmittingDate
	{0x00081084, "X"},      // AdmittingDiagnosesCodeSequence
	{0x00081080, "X"},      // AdmittingDiagnosesDescription
	{0x00380021, "X"},      // AdmittingTime
	{0x00102110, "X"},      // Allergies
	{0x40000010, "X"},      // Arbitrary
	{0x0040A078, "X"},      // AuthorObserverSequence
	{0x00101081, "X"},      // BranchOfService
	{0x00181007, "X"},      // CassetteID
	{0x00400280, "X"},      // CommentsOnThePerformedProcedureStep
	{0x00403001, "X"},      // ConfidentialityConstraintOnPatientDataDescription
	{0x00700086, "X"},      // ContentCreatorIdentificationCodeSequence
	{0x00700084, "Z"},      // ContentCreatorName
	{0x00080023, "Z/D"},    // ContentDate
	{0x0040A730, "X"},      // ContentSequence
	{0x00080033, "Z/D"},    // ContentTime
	{0x00180010, "Z/D"},    // ContrastBolusAgent
	{0x0018A003, "X"},      // ContributionDescription
	{0x00102150, "X"},      // CountryOfResidence
	{0x00380300, "X"},      // CurrentPatientLocation
	{0x00080025, "X"},      // CurveDate
	{0x00080035, "X"},      // CurveTime
	{0x0040A07C, "X"},      // CustodialOrganizationSequence
	{0xFFFCFFFC, "X"},      // DataSetTrailingPadding
	{0x00082111, "X"},      // DerivationDescription
	{0x0018700A, "X"},      // DetectorID
	{0x00181000, "X/Z/D"},  // DeviceSerialNumber
	{0x00181002, "U"},      // DeviceUID
	{0x04000100, "X"},      // DigitalSignatureUID
	{0xFFFAFFFA, "X"},      // DigitalSignaturesSequence
	{0x00209164, "U"},      // DimensionOrganizationUID
	{0x00380040, "X"},      // DischargeDiagnosisDescription
	{0x4008011A, "X"},      // DistributionAddress
	{0x40080119, "X"},      // DistributionName
	{0x300A0013, "U"},      // DoseReferenceUID
	{0x00102160, "X"},      // EthnicGroup
	{0x00080058, "U"},      // FailedSOPInstanceUIDList
	{0x0070031A, "U"},      // FiducialUID
	{0x00402017, "Z"},      // FillerOrderNumberImagingServiceRequest
	{0x00209158, "X"},      // FrameComments
	{0x00200052, "U"},      // FrameOfReferenceUID
	{0x00181008, "X"},      // GantryID
	{0x00181005, "X"},      // GeneratorID
	{0x00700001, "D"},      // GraphicAnnotationSequence
	{0x00404037, "X"},      // HumanPerformerName
	{0x00404036, "X"},      // HumanPerformerOrganization
	{0x00880200, "X"},      // IconImageSequence
	{0x00084000, "X"},      // IdentifyingComments
	{0x00204000, "X"},      // ImageComments
	{0x00284000, "X"},      // ImagePresentationComments
	{0x00402400, "X"},      // ImagingServiceRequestComments
	{0x40080300, "X"},      // Impressions
	{0x00080014, "U"},      // InstanceCreatorUID
	{0x00080081, "X"},      // InstitutionAddress
	{0x00080082, "X/Z/D"},  // InstitutionCodeSequence
	{0x00080080, "X/Z/D"},  // InstitutionName
	{0x00081040, "X"},      // InstitutionalDepartmentName
	{0x00101050, "X"},      // InsurancePlanIdentification
	{0x00401011, "X"},      // IntendedRecipientsOfResultsIdentificationSequence
	{0x40080111, "X"},      // InterpretationApproverSequence
	{0x4008010C, "X"},      // InterpretationAuthor
	{0x40080115, "X"},      // InterpretationDiagnosisDescription
	{0x40080202, "X"},      // InterpretationIDIssuer
	{0x40080102, "X"},      // InterpretationRecorder
	{0x4008010B, "X"},      // InterpretationText
	{0x4008010A, "X"},      // InterpretationTranscriber
	{0x00083010, "U"},      // IrradiationEventUID
	{0x00380011, "X"},      // IssuerOfAdmissionID
	{0x00100021, "X"},      // IssuerOfPatientID
	{0x00380061, "X"},      // IssuerOfServiceEpisodeID
	{0x00281214, "U"},      // LargePaletteColorLookupTableUID
	{0x001021D0, "X"},      // LastMenstrualDate
	{0x04000404, "X"},      // MAC
	{0x00102000, "X"},      // MedicalAlerts
	{0x00101090, "X"},      // MedicalRecordLocator
	{0x00101080, "X"},      // MilitaryRank
	{0x04000550, "X"},      // ModifiedAttributesSequence
	{0x00203406, "X"},      // ModifiedImageDescription
	{0x00203401, "X"},      // ModifyingDeviceID
	{0x00203404, "X"},      // ModifyingDeviceManufacturer
	{0x00081060, "X"},      // NameOfPhysiciansReadingStudy
	{0x00401010, "X"},      // NamesOfIntendedRecipientsOfResults
	{0x00102180, "X"},      // Occupation
	{0x00081072, "X/D"},    // OperatorIdentificationSequence
	{0x00081070, "X/Z/D"},  // OperatorsName
	{0x04000561, "X"},      // OriginalAttributesSequence
	{0x00402010, "X"},      // OrderCallbackPhoneNumber
	{0x00402008, "X"},      // OrderEnteredBy
	{0x00402009, "X"},      // OrderEntererLocation
	{0x00101000, "X"},      // OtherPatientIDs
	{0x00101002, "X"},      // OtherPatientIDsSequence
	{0x00101001, "X"},      // OtherPatientNames
	{0x00080024, "X"},      // OverlayDate
	{0x00080034, "X"},      // OverlayTime
	{0x00101040, "X"},      // PatientAddress
	{0x00101010, "X"},      // PatientAge
	{0x00100030, "Z"},      // PatientBirthDate
	{0x00101005, "X"},      // PatientBirthName
	{0x00100032, "X"},      // PatientBirthTime
	{0x00104000, "X"},      // PatientComments
	{0x00100020, "Z"},      // PatientID
	{0x00380400, "X"},      // PatientInstitutionResidence
	{0x00100050, "X"},      // PatientInsurancePlanCodeSequence
	{0x00101060, "X"},      // PatientMotherBirthName
	{0x00100010, "Z"},      // PatientName
	{0x00100101, "X"},      // PatientPrimaryLanguageCodeSequence
	{0x00100102, "X"},      // PatientPrimaryLanguageModifierCodeSequence
	{0x001021F0, "X"},      // PatientReligiousPreference
	{0x00100040, "Z"},      // PatientSex
	{0x00102203, "X/Z"},    // PatientSexNeutered
	{0x00101020, "X"},      // PatientSize
	{0x00380500, "X"},      // PatientState
	{0x00102154, "X"},      // PatientTelephoneNumbers
	{0x00401004, "X"},      // PatientTransportArrangements
	{0x00101030, "X"},      // PatientWeight
	{0x00400243, "X"},      // PerformedLocation
	{0x00400254, "X"},      // PerformedProcedureStepDescription
	{0x00400253, "X"},      // PerformedProcedureStepID
	{0x00400244, "X"},      // PerformedProcedureStepStartDate
	{0x00400245, "X"},      // PerformedProcedureStepStartTime
	{0x00400241, "X"},      // PerformedStationAETitle
	{0x00404030, "X"},      // PerformedStationGeographicLocationCodeSequence
	{0x00400242, "X"},      // PerformedStationName
	{0x00400248, "X"},      // PerformedStationNameCodeSequence
	{0x00081052, "X"},      // PerformingPhysicianIdentificationSequence
	{0x00081050, "X"},      // PerformingPhysicianName
	{0x00401102, "X"},      // PersonAddress
	{0x00401101, "D"},      // PersonIdentificationCodeSequence
	{0x0040A123, "D"},      // PersonName
	{0x00401103, "X"},      // PersonTelephoneNumbers
	{0x40080114, "X"},      // PhysicianApprovingInterpretation
	{0x00081062, "X"},      // PhysiciansReadingStudyIdentificationSequence
	{0x00081048, "X"},      // PhysiciansOfRecord
	{0x00081049, "X"},      // PhysiciansOfRecordIdentificationSequence
	{0x00402016, "Z"},      // PlacerOrderNumberImagingServiceRequest
	{0x00181004, "X"},      // PlateID
	{0x00400012, "X"},      // PreMedication
	{0x001021C0, "X"},      // PregnancyStatus
	{0x00181030, "X/D"},    // ProtocolName
	{0x00402001, "X"},      // ReasonForTheImagingServiceRequest
	{0x00321030, "X"},      // ReasonForStudy
	{0x04000402, "X"},      // ReferencedDigitalSignatureSequence
	{0x30060024, "U"},      // ReferencedFrameOfReferenceUID
	{0x00404023, "U"},      // ReferencedGeneralPurposeScheduledProcedureStepTransactionUID
	{0x00081140, "X/Z/U*"}, // ReferencedImageSequence
	{0x00381234, "X"},      // ReferencedPatientAliasSequence
	{0x00081120, "X"},      // ReferencedPatientSequence
	{0x00081111, "X/Z/D"},  // ReferencedPerformedProcedureStepSequence
	{0x04000403, "X"},      // ReferencedSOPInstanceMACSequence
	{0x00081155, "U"},      // ReferencedSOPInstanceUID
	{0x00041511, "U"},      // ReferencedSOPInstanceUIDInFile
	{0x00081110, "X/Z"},    // ReferencedStudySequence
	{0x00080092, "X"},      // ReferringPhysicianAddress
	{0x00080096, "X"},      // ReferringPhysicianIdentificationSequence
	{0x00080090, "Z"},      // ReferringPhysicianName
	{0x00080094, "X"},      // ReferringPhysicianTelephoneNumbers
	{0x00102152, "X"},      // RegionOfResidence
	{0x300600C2, "U"},      // RelatedFrameOfReferenceUID
	{0x00400275, "X"},      // RequestAttributesSequence
	{0x00321070, "X"},      // RequestedContrastAgent
	{0x00401400, "X"},      // RequestedProcedureComments
	{0x00321060, "X/Z"},    // RequestedProcedureDescription
	{0x00401001, "X"},      // RequestedProcedureID
	{0x00401005, "X"},      // RequestedProcedureLocation
	{0x00321032, "X"},      // RequestingPhysician
	{0x00321033, "X"},      // RequestingService
	{0x00102299, "X"},      // ResponsibleOrganization
	{0x00102297, "X"},      // ResponsiblePerson
	{0x40084000, "X"},      // ResultsComments
	{0x40080118, "X"},      // ResultsDistributionListSequence
	{0x40080042, "X"},      // ResultsIDIssuer
	{0x300E0008, "X/Z"},    // ReviewerName
	{0x00404034, "X"},      // ScheduledHumanPerformersSequence
	{0x0038001E, "X"},      // ScheduledPatientInstitutionResidence
	{0x0040000B, "X"},      // ScheduledPerformingPhysicianIdentificationSequence
	{0x00400006, "X"},      // ScheduledPerformingPhysicianName
	{0x00400004, "X"},      // ScheduledProcedureStepEndDate
	{0x00400005, "X"},      // ScheduledProcedureStepEndTime
	{0x00400007, "X"},      // ScheduledProcedureStepDescription
	{0x00400011, "X"},      // ScheduledProcedureStepLocation
	{0x00400002, "X"},      // ScheduledProcedureStepStartDate
	{0x00400003, "X"},      // ScheduledProcedureStepStartTime
	{0x00400001, "X"},      // ScheduledStationAETitle
	{0x00404027, "X"},      // ScheduledStationGeographicLocationCodeSequence
	{0x00400010, "X"},      // ScheduledStationName
	{0x00404025, "X"},      // ScheduledStationNameCodeSequence
	{0x00321020, "X"},      // ScheduledStudyLocation
	{0x00321021, "X"},      // ScheduledStudyLocationAETitle
	{0x00080021, "X/D"},    // SeriesDate
	{0x0008103E, "X"},      // SeriesDescription
	{0x0020000E, "U"},      // SeriesInstanceUID
	{0x00080031, "X/D"},    // SeriesTime
	{0x00380062, "X"},      // ServiceEpisodeDescription
	{0x00380060, "X"},      // ServiceEpisodeID
	{0x001021A0, "X"},      // SmokingStatus
	{0x00080018, "U"},      // SOPInstanceUID
	{0x00082112, "X/Z/U*"}, // SourceImageSequence
	{0x00380050, "X"},      // SpecialNeeds
	{0x00081010, "X/Z/D"},  // StationName
	{0x00880140, "U"},      // StorageMediaFileSetUID
	{0x00324000, "X"},      // StudyComments
	{0x00080020, "Z"},      // StudyDate
	{0x00081030, "X"},      // StudyDescription
	{0x00200010, "Z"},      // StudyID
	{0x00320012, "X"},      // StudyIDIssuer
	{0x0020000D, "U"},      // StudyInstanceUID
	{0x00080030, "Z"},      // StudyTime
	{0x00200200, "U"},      // SynchronizationFrameOfReferenceUID
	{0x0040DB0D, "U"},      // TemplateExtensionCreatorUID
	{0x0040DB0C, "U"},      // TemplateExtensionOrganizationUID
	{0x40004000, "X"},      // TextComments
	{0x20300020, "X"},      // TextString
	{0x00080201, "X"},      // TimezoneOffsetFromUTC
	{0x00880910, "X"},      // TopicAuthor
	{0x00880912, "X"},      // TopicKeywords
	{0x00880906, "X"},      // TopicSubject
	{0x00880904, "X"},      // TopicTitle
	{0x00081195, "U"},      // TransactionUID
	{0x0040A124, "U"},      // UID
	{0x0040A088, "Z"},      // VerifyingObserverIdentificationCodeSequence
	{0x0040A075, "D"},      // VerifyingObserverName
	{0x0040A073, "D"},      // VerifyingObserverSequence
	{0x0040A027, "X"},      // VerifyingOrganization
	{0x00384000, "X"},      // VisitComments
	{0x00189371, "X"},      // XRayDetectorID
	{0x00189367, "X"},      // XRaySourceID
}

// basicProfilePatterns covers the repeating curve and overlay groups.
var basicProfilePatterns = []TagPattern{
	{Value: 0x50000000, Mask: 0xFF000000}, // (50xx,xxxx) curve data
	{Value: 0x60003000, Mask: 0xFF00FFFF}, // (60xx,3000) overlay data
	{Value: 0x60004000, Mask: 0xFF00FFFF}, // (60xx,4000) overlay comments
}

var basicProfileActions = buildBasicProfile()

func buildBasicProfile() map[dcm.Tag]Action {
	m := make(map[dcm.Tag]Action, len(basicProfileTable))
	for _, e := range basicProfileTable {
		m[e.tag] = collapseCode(e.code)
	}
	return m
}

// collapseCode reduces the composite codes of the table to the strictest
// action that needs no per-IOD knowledge.
func collapseCode(code string) Action {
	switch code {
	case "Z", "Z/D":
		return ReplaceNull()
	case "D", "C":
		return Replace("")
	case "U":
		return UID()
	case "K":
		return Keep()
	}
	return Remove()
}

// BasicProfileAction returns the basic profile action for tg, if any.
func BasicProfileAction(tg dcm.Tag) (Action, bool) {
	if a, ok := basicProfileActions[tg]; ok {
		return a, true
	}
	for _, p := range basicProfilePatterns {
		if p.Match(tg) {
			return Remove(), true
		}
	}
	if tg.IsPrivate() {
		return Remove(), true
	}
	return Action{}, false
}
