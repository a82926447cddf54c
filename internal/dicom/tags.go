package dicom

// Attributes the gateway reads or writes directly.
const (
	MediaStorageSOPClassUID    Tag = 0x00020002
	MediaStorageSOPInstanceUID Tag = 0x00020003
	TransferSyntaxUID          Tag = 0x00020010

	InstanceCreationDate Tag = 0x00080012
	InstanceCreationTime Tag = 0x00080013
	SOPClassUID          Tag = 0x00080016
	SOPInstanceUID       Tag = 0x00080018
	StudyDate            Tag = 0x00080020
	Modality             Tag = 0x00080060
	StationName          Tag = 0x00081010
	BurnedInAnnotation   Tag = 0x00280301

	PatientName               Tag = 0x00100010
	PatientID                 Tag = 0x00100020
	IssuerOfPatientID         Tag = 0x00100021
	PatientBirthDate          Tag = 0x00100030
	PatientSex                Tag = 0x00100040
	PatientAge                Tag = 0x00101010
	PatientIdentityRemoved    Tag = 0x00120062
	DeidentificationMethod    Tag = 0x00120063
	ClinicalTrialSponsorName  Tag = 0x00120010
	ClinicalTrialProtocolID   Tag = 0x00120020
	ClinicalTrialProtocolName Tag = 0x00120021
	ClinicalTrialSiteID       Tag = 0x00120030
	ClinicalTrialSiteName     Tag = 0x00120031
	ClinicalTrialSubjectID    Tag = 0x00120040
	StudyInstanceUID          Tag = 0x0020000D
	SeriesInstanceUID         Tag = 0x0020000E
	ReferencedImageSequence   Tag = 0x00081140
	ReferencedSOPInstanceUID  Tag = 0x00081155
	RequestAttributesSequence Tag = 0x00400275
	OtherPatientIDsSequence   Tag = 0x00101002
	SamplesPerPixel           Tag = 0x00280002
	Rows                      Tag = 0x00280010
	Columns                   Tag = 0x00280011
	BitsAllocated             Tag = 0x00280100
	PixelData                 Tag = 0x7FE00010
)
