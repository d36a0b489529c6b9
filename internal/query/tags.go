package query

var studyTags = []string{
	"00080005", // SpecificCharacterSet
	"00080020", // StudyDate
	"00080030", // StudyTime
	"00080050", // AccessionNumber
	"00080054", // RetrieveAETitle
	"00080056", // InstanceAvailability
	"00080061", // ModalitiesInStudy
	"00080090", // ReferringPhysicianName
	"00081190", // RetrieveURL
	"00100010", // PatientName
	"00100020", // PatientID
	"00100030", // PatientBirthDate
	"00100040", // PatientSex
	"0020000D", // StudyInstanceUID
	"00200010", // StudyID
	"00201206", // NumberOfStudyRelatedSeries
	"00201208", // NumberOfStudyRelatedInstances
}

var seriesTags = []string{
	"00080005", // SpecificCharacterSet
	"00080054", // RetrieveAETitle
	"00080056", // InstanceAvailability
	"00080060", // Modality
	"0008103E", // SeriesDescription
	"00081190", // RetrieveURL
	"0020000E", // SeriesInstanceUID
	"00200011", // SeriesNumber
	"00201209", // NumberOfSeriesRelatedInstances
}

var imageTags = []string{
	"00080016", // SOPClassUID
	"00080018", // SOPInstanceUID
}

// freeTextTags are matched with wildcards and subject to the minimum
// search length.
var freeTextTags = map[string]bool{
	TagPatientName:        true,
	TagReferringPhysician: true,
	TagStudyDescription:   true,
	TagSeriesDescription:  true,
}

// IsFreeText reports whether key is a wildcard-matched text attribute
func IsFreeText(key string) bool {
	return freeTextTags[key]
}
