package models

import "time"

// Query/Retrieve information model levels
const (
	LevelPatient = "PATIENT"
	LevelStudy   = "STUDY"
	LevelSeries  = "SERIES"
	LevelImage   = "IMAGE"
)

// QueryParams represents DICOM query parameters. Empty fields are universal
// matches; string fields accept the C-FIND matching forms (wildcards, date
// ranges and backslash-separated UID lists).
type QueryParams struct {
	Level             string `json:"level,omitempty"`
	PatientID         string `json:"patient_id,omitempty"`
	PatientName       string `json:"patient_name,omitempty"`
	PatientBirthDate  string `json:"patient_birth_date,omitempty"`
	StudyInstanceUID  string `json:"study_instance_uid,omitempty"`
	StudyDate         string `json:"study_date,omitempty"`
	StudyTime         string `json:"study_time,omitempty"`
	AccessionNumber   string `json:"accession_number,omitempty"`
	Modality          string `json:"modality,omitempty"`
	StudyDescription  string `json:"study_description,omitempty"`
	SeriesInstanceUID string `json:"series_instance_uid,omitempty"`
	SOPInstanceUID    string `json:"sop_instance_uid,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	Offset            int    `json:"offset,omitempty"`
}

// Patient represents a DICOM patient, derived from the indexed studies
type Patient struct {
	PatientID        string `json:"00100020" dicom:"00100020"`
	PatientName      string `json:"00100010" dicom:"00100010"`
	PatientBirthDate string `json:"00100030" dicom:"00100030"`
	PatientSex       string `json:"00100040" dicom:"00100040"`
	NumberOfStudies  int    `json:"00201200" dicom:"00201200"`
}

// Study represents a DICOM study
type Study struct {
	StudyInstanceUID   string    `gorm:"primaryKey;type:varchar(64)" json:"0020000D" dicom:"0020000D"`
	PatientID          string    `gorm:"type:varchar(64);index" json:"00100020" dicom:"00100020"`
	PatientName        string    `gorm:"type:varchar(255);index" json:"00100010" dicom:"00100010"`
	PatientBirthDate   string    `gorm:"type:varchar(8)" json:"00100030" dicom:"00100030"`
	PatientSex         string    `gorm:"type:varchar(16)" json:"00100040" dicom:"00100040"`
	StudyDate          string    `gorm:"type:varchar(8);index" json:"00080020" dicom:"00080020"`
	StudyTime          string    `gorm:"type:varchar(16)" json:"00080030" dicom:"00080030"`
	StudyDescription   string    `gorm:"type:varchar(255)" json:"00081030" dicom:"00081030"`
	AccessionNumber    string    `gorm:"type:varchar(16);index" json:"00080050" dicom:"00080050"`
	ReferringPhysician string    `gorm:"type:varchar(255)" json:"00080090" dicom:"00080090"`
	NumberOfSeries     int       `json:"00201206" dicom:"00201206"`
	NumberOfInstances  int       `json:"00201208" dicom:"00201208"`
	ModalitiesInStudy  []string  `gorm:"type:text;serializer:json" json:"00080061" dicom:"00080061"`
	CreatedAt          time.Time `json:"-"`
	UpdatedAt          time.Time `json:"-"`
}

// TableName overrides the table name
func (Study) TableName() string {
	return "index_studies"
}

// Series represents a DICOM series
type Series struct {
	SeriesInstanceUID  string    `gorm:"primaryKey;type:varchar(64)" json:"0020000E" dicom:"0020000E"`
	StudyInstanceUID   string    `gorm:"type:varchar(64);not null;index" json:"0020000D" dicom:"0020000D"`
	SeriesNumber       int       `json:"00200011" dicom:"00200011"`
	Modality           string    `gorm:"type:varchar(16);index" json:"00080060" dicom:"00080060"`
	SeriesDescription  string    `gorm:"type:varchar(255)" json:"0008103E" dicom:"0008103E"`
	SeriesDate         string    `gorm:"type:varchar(8)" json:"00080021" dicom:"00080021"`
	SeriesTime         string    `gorm:"type:varchar(16)" json:"00080031" dicom:"00080031"`
	BodyPartExamined   string    `gorm:"type:varchar(16)" json:"00180015" dicom:"00180015"`
	NumberOfInstances  int       `json:"00201209" dicom:"00201209"`
	ProtocolName       string    `gorm:"type:varchar(64)" json:"00181030" dicom:"00181030"`
	PerformedProcedure string    `gorm:"type:varchar(255)" json:"00400254" dicom:"00400254"`
	CreatedAt          time.Time `json:"-"`
	UpdatedAt          time.Time `json:"-"`
}

// TableName overrides the table name
func (Series) TableName() string {
	return "index_series"
}

// Instance represents a DICOM instance
type Instance struct {
	SOPInstanceUID            string    `gorm:"primaryKey;type:varchar(64)" json:"00080018" dicom:"00080018"`
	SOPClassUID               string    `gorm:"type:varchar(64)" json:"00080016" dicom:"00080016"`
	StudyInstanceUID          string    `gorm:"type:varchar(64);not null;index" json:"0020000D" dicom:"0020000D"`
	SeriesInstanceUID         string    `gorm:"type:varchar(64);not null;index" json:"0020000E" dicom:"0020000E"`
	InstanceNumber            int       `json:"00200013" dicom:"00200013"`
	Rows                      int       `json:"00280010" dicom:"00280010"`
	Columns                   int       `json:"00280011" dicom:"00280011"`
	BitsAllocated             int       `json:"00280100" dicom:"00280100"`
	PhotometricInterpretation string    `gorm:"type:varchar(16)" json:"00280004" dicom:"00280004"`
	NumberOfFrames            int       `json:"00280008" dicom:"00280008"`
	CreatedAt                 time.Time `json:"-"`
	UpdatedAt                 time.Time `json:"-"`
}

// TableName overrides the table name
func (Instance) TableName() string {
	return "index_instances"
}
