package types

import "strings"

// ApplicationContextUID is the DICOM application context name.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Implementation identification sent in association user information.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.1411.1"
	ImplementationVersionName = "PACSMAN_GO_1"
)

const VerificationSOPClass = "1.2.840.10008.1.1"

// Query/Retrieve information models.
const (
	StudyRootQueryRetrieveInformationModelFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove   = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveInformationModelGet    = "1.2.840.10008.5.1.4.1.2.2.3"
	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.1.3"
)

// Storage SOP classes.
const (
	ComputedRadiographyImageStorage              = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStorageForPresentation       = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalMammographyXRayImageStorageForPresent = "1.2.840.10008.5.1.4.1.1.1.2"
	CTImageStorage                               = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage                       = "1.2.840.10008.5.1.4.1.1.2.1"
	UltrasoundMultiFrameImageStorage             = "1.2.840.10008.5.1.4.1.1.3.1"
	MRImageStorage                               = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage                       = "1.2.840.10008.5.1.4.1.1.4.1"
	UltrasoundImageStorage                       = "1.2.840.10008.5.1.4.1.1.6.1"
	SecondaryCaptureImageStorage                 = "1.2.840.10008.5.1.4.1.1.7"
	XRayAngiographicImageStorage                 = "1.2.840.10008.5.1.4.1.1.12.1"
	XRayRadiofluoroscopicImageStorage            = "1.2.840.10008.5.1.4.1.1.12.2"
	NuclearMedicineImageStorage                  = "1.2.840.10008.5.1.4.1.1.20"
	PETImageStorage                              = "1.2.840.10008.5.1.4.1.1.128"
	RTImageStorage                               = "1.2.840.10008.5.1.4.1.1.481.1"
)

// storagePrefix covers every composite instance storage SOP class.
const storagePrefix = "1.2.840.10008.5.1.4.1.1."

// IsStorageSOPClass reports whether uid names a storage SOP class.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, storagePrefix)
}

// IsQueryRetrieveSOPClass reports whether uid is one of the Q/R models above.
func IsQueryRetrieveSOPClass(uid string) bool {
	switch uid {
	case StudyRootQueryRetrieveInformationModelFind,
		StudyRootQueryRetrieveInformationModelMove,
		StudyRootQueryRetrieveInformationModelGet,
		PatientRootQueryRetrieveInformationModelFind,
		PatientRootQueryRetrieveInformationModelMove,
		PatientRootQueryRetrieveInformationModelGet:
		return true
	}
	return false
}

// StorageSOPClasses lists the storage classes proposed for C-GET sub-operations.
// Association negotiation limits a request to 128 contexts, so the list is kept short.
func StorageSOPClasses() []string {
	return []string{
		CTImageStorage,
		MRImageStorage,
		SecondaryCaptureImageStorage,
		ComputedRadiographyImageStorage,
		DigitalXRayImageStorageForPresentation,
		DigitalMammographyXRayImageStorageForPresent,
		EnhancedCTImageStorage,
		EnhancedMRImageStorage,
		UltrasoundImageStorage,
		UltrasoundMultiFrameImageStorage,
		XRayAngiographicImageStorage,
		XRayRadiofluoroscopicImageStorage,
		NuclearMedicineImageStorage,
		PETImageStorage,
		RTImageStorage,
	}
}
