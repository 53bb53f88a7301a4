package dimse

// ApplicationContextName is the DICOM application context
const ApplicationContextName = "1.2.840.10008.3.1.1.1"

// Implementation identifiers sent in the user information item
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.9.7433.1.1"
	ImplementationVersionName = "RIS_DIMSE_NODE_1"
)

// SOP classes
const (
	VerificationSOPClass         = "1.2.840.10008.1.1"
	PatientRootQueryRetrieveFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQueryRetrieveGet  = "1.2.840.10008.5.1.4.1.2.1.3"
	StudyRootQueryRetrieveFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveMove   = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveGet    = "1.2.840.10008.5.1.4.1.2.2.3"
)

// Transfer syntaxes the data set codec can encode
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// DefaultTransferSyntaxes lists the transfer syntaxes proposed and accepted by default, in preference order.
func DefaultTransferSyntaxes() []string {
	return []string{ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian}
}
