package scp

import (
	"strconv"
	"strings"

	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Count attributes returned by the query/retrieve information models
var (
	numberOfPatientRelatedStudies     = tag.Tag{Group: 0x0020, Element: 0x1200}
	numberOfStudyRelatedSeries        = tag.Tag{Group: 0x0020, Element: 0x1206}
	numberOfStudyRelatedInstances     = tag.Tag{Group: 0x0020, Element: 0x1208}
	numberOfSeriesRelatedInstances    = tag.Tag{Group: 0x0020, Element: 0x1209}
	performedProcedureStepDescription = tag.Tag{Group: 0x0040, Element: 0x0254}
)

// attributes maps the tags a record can answer to their values. Values are
// strings, ints or string lists.
type attributes map[tag.Tag]any

func patientAttributes(p models.Patient) attributes {
	return attributes{
		tag.PatientID:                 p.PatientID,
		tag.PatientName:               p.PatientName,
		tag.PatientBirthDate:          p.PatientBirthDate,
		tag.PatientSex:                p.PatientSex,
		numberOfPatientRelatedStudies: p.NumberOfStudies,
	}
}

func studyAttributes(s models.Study) attributes {
	return attributes{
		tag.StudyInstanceUID:          s.StudyInstanceUID,
		tag.PatientID:                 s.PatientID,
		tag.PatientName:               s.PatientName,
		tag.PatientBirthDate:          s.PatientBirthDate,
		tag.PatientSex:                s.PatientSex,
		tag.StudyDate:                 s.StudyDate,
		tag.StudyTime:                 s.StudyTime,
		tag.StudyDescription:          s.StudyDescription,
		tag.AccessionNumber:           s.AccessionNumber,
		tag.ReferringPhysicianName:    s.ReferringPhysician,
		tag.ModalitiesInStudy:         s.ModalitiesInStudy,
		numberOfStudyRelatedSeries:    s.NumberOfSeries,
		numberOfStudyRelatedInstances: s.NumberOfInstances,
	}
}

func seriesAttributes(s models.Series) attributes {
	return attributes{
		tag.SeriesInstanceUID:             s.SeriesInstanceUID,
		tag.StudyInstanceUID:              s.StudyInstanceUID,
		tag.SeriesNumber:                  s.SeriesNumber,
		tag.Modality:                      s.Modality,
		tag.SeriesDescription:             s.SeriesDescription,
		tag.SeriesDate:                    s.SeriesDate,
		tag.SeriesTime:                    s.SeriesTime,
		tag.BodyPartExamined:              s.BodyPartExamined,
		tag.ProtocolName:                  s.ProtocolName,
		numberOfSeriesRelatedInstances:    s.NumberOfInstances,
		performedProcedureStepDescription: s.PerformedProcedure,
	}
}

func instanceAttributes(i models.Instance) attributes {
	return attributes{
		tag.SOPInstanceUID:            i.SOPInstanceUID,
		tag.SOPClassUID:               i.SOPClassUID,
		tag.StudyInstanceUID:          i.StudyInstanceUID,
		tag.SeriesInstanceUID:         i.SeriesInstanceUID,
		tag.InstanceNumber:            i.InstanceNumber,
		tag.Rows:                      i.Rows,
		tag.Columns:                   i.Columns,
		tag.BitsAllocated:             i.BitsAllocated,
		tag.PhotometricInterpretation: i.PhotometricInterpretation,
		tag.NumberOfFrames:            i.NumberOfFrames,
	}
}

// response builds the identifier returned for one match: every requested
// key the record can answer, plus the query level. Keys the record does not
// know are left out.
func (a attributes) response(identifier *dicom.Dataset, level string) (*dicom.Dataset, error) {
	ds := &dicom.Dataset{}
	if err := dimse.SetString(ds, tag.QueryRetrieveLevel, level); err != nil {
		return nil, err
	}
	for _, e := range identifier.Elements {
		if e.Tag == tag.QueryRetrieveLevel {
			continue
		}
		value, ok := a[e.Tag]
		if !ok {
			continue
		}
		if err := setValue(ds, e.Tag, value); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func setValue(ds *dicom.Dataset, t tag.Tag, value any) error {
	switch v := value.(type) {
	case string:
		if v == "" {
			return dimse.SetEmpty(ds, t)
		}
		return dimse.SetString(ds, t, v)
	case []string:
		return setValue(ds, t, strings.Join(v, `\`))
	case int:
		if binaryVR(t) {
			return dimse.SetInt(ds, t, v)
		}
		return dimse.SetString(ds, t, strconv.Itoa(v))
	default:
		return dimse.SetEmpty(ds, t)
	}
}

func binaryVR(t tag.Tag) bool {
	info, err := tag.Find(t)
	if err != nil || len(info.VRs) == 0 {
		return false
	}
	switch info.VRs[0] {
	case "US", "UL", "SS", "SL":
		return true
	}
	return false
}
