package dicom

import (
	"fmt"
	"strings"
)

// File meta information
var (
	TagFileMetaInformationGroupLength = Tag{0x0002, 0x0000}
	TagFileMetaInformationVersion     = Tag{0x0002, 0x0001}
	TagMediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID              = Tag{0x0002, 0x0010}
	TagImplementationClassUID         = Tag{0x0002, 0x0012}
	TagImplementationVersionName      = Tag{0x0002, 0x0013}
)

// Patient, study, series and instance attributes
var (
	TagSpecificCharacterSet           = Tag{0x0008, 0x0005}
	TagImageType                      = Tag{0x0008, 0x0008}
	TagSOPClassUID                    = Tag{0x0008, 0x0016}
	TagSOPInstanceUID                 = Tag{0x0008, 0x0018}
	TagStudyDate                      = Tag{0x0008, 0x0020}
	TagSeriesDate                     = Tag{0x0008, 0x0021}
	TagContentDate                    = Tag{0x0008, 0x0023}
	TagStudyTime                      = Tag{0x0008, 0x0030}
	TagSeriesTime                     = Tag{0x0008, 0x0031}
	TagContentTime                    = Tag{0x0008, 0x0033}
	TagAccessionNumber                = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel             = Tag{0x0008, 0x0052}
	TagRetrieveAETitle                = Tag{0x0008, 0x0054}
	TagFailedSOPInstanceUIDList       = Tag{0x0008, 0x0058}
	TagModality                       = Tag{0x0008, 0x0060}
	TagModalitiesInStudy              = Tag{0x0008, 0x0061}
	TagManufacturer                   = Tag{0x0008, 0x0070}
	TagInstitutionName                = Tag{0x0008, 0x0080}
	TagReferringPhysicianName         = Tag{0x0008, 0x0090}
	TagStudyDescription               = Tag{0x0008, 0x1030}
	TagSeriesDescription              = Tag{0x0008, 0x103E}
	TagPatientName                    = Tag{0x0010, 0x0010}
	TagPatientID                      = Tag{0x0010, 0x0020}
	TagPatientBirthDate               = Tag{0x0010, 0x0030}
	TagPatientSex                     = Tag{0x0010, 0x0040}
	TagPatientAge                     = Tag{0x0010, 0x1010}
	TagBodyPartExamined               = Tag{0x0018, 0x0015}
	TagSliceThickness                 = Tag{0x0018, 0x0050}
	TagProtocolName                   = Tag{0x0018, 0x1030}
	TagStudyInstanceUID               = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID              = Tag{0x0020, 0x000E}
	TagStudyID                        = Tag{0x0020, 0x0010}
	TagSeriesNumber                   = Tag{0x0020, 0x0011}
	TagInstanceNumber                 = Tag{0x0020, 0x0013}
	TagImagePositionPatient           = Tag{0x0020, 0x0032}
	TagImageOrientationPatient        = Tag{0x0020, 0x0037}
	TagSliceLocation                  = Tag{0x0020, 0x1041}
	TagNumberOfStudyRelatedSeries     = Tag{0x0020, 0x1206}
	TagNumberOfStudyRelatedInstances  = Tag{0x0020, 0x1208}
	TagNumberOfSeriesRelatedInstances = Tag{0x0020, 0x1209}
)

// Image pixel module
var (
	TagSamplesPerPixel           = Tag{0x0028, 0x0002}
	TagPhotometricInterpretation = Tag{0x0028, 0x0004}
	TagPlanarConfiguration       = Tag{0x0028, 0x0006}
	TagNumberOfFrames            = Tag{0x0028, 0x0008}
	TagRows                      = Tag{0x0028, 0x0010}
	TagColumns                   = Tag{0x0028, 0x0011}
	TagPixelSpacing              = Tag{0x0028, 0x0030}
	TagBitsAllocated             = Tag{0x0028, 0x0100}
	TagBitsStored                = Tag{0x0028, 0x0101}
	TagHighBit                   = Tag{0x0028, 0x0102}
	TagPixelRepresentation       = Tag{0x0028, 0x0103}
	TagWindowCenter              = Tag{0x0028, 0x1050}
	TagWindowWidth               = Tag{0x0028, 0x1051}
	TagRescaleIntercept          = Tag{0x0028, 0x1052}
	TagRescaleSlope              = Tag{0x0028, 0x1053}
	TagPixelData                 = Tag{0x7FE0, 0x0010}
)

// Private block written on aggregated patient records.
var (
	TagPacsmanPrivateCreator      = Tag{0x0009, 0x0010}
	TagPatientStudyInstanceUIDs   = Tag{0x0009, 0x1001}
	TagPatientMostRecentStudyDate = Tag{0x0009, 0x1002}
)

// PacsmanPrivateCreator is the value of the private creator element.
const PacsmanPrivateCreator = "pacsman"

// Item and delimiter tags
var (
	tagItem                 = Tag{0xFFFE, 0xE000}
	tagItemDelimitation     = Tag{0xFFFE, 0xE00D}
	tagSequenceDelimitation = Tag{0xFFFE, 0xE0DD}
)

type dictEntry struct {
	VR   string
	Name string
}

var dictionary = map[Tag]dictEntry{
	TagFileMetaInformationGroupLength: {VR_UL, "FileMetaInformationGroupLength"},
	TagFileMetaInformationVersion:     {VR_OB, "FileMetaInformationVersion"},
	TagMediaStorageSOPClassUID:        {VR_UI, "MediaStorageSOPClassUID"},
	TagMediaStorageSOPInstanceUID:     {VR_UI, "MediaStorageSOPInstanceUID"},
	TagTransferSyntaxUID:              {VR_UI, "TransferSyntaxUID"},
	TagImplementationClassUID:         {VR_UI, "ImplementationClassUID"},
	TagImplementationVersionName:      {VR_SH, "ImplementationVersionName"},

	TagSpecificCharacterSet:           {VR_CS, "SpecificCharacterSet"},
	TagImageType:                      {VR_CS, "ImageType"},
	TagSOPClassUID:                    {VR_UI, "SOPClassUID"},
	TagSOPInstanceUID:                 {VR_UI, "SOPInstanceUID"},
	TagStudyDate:                      {VR_DA, "StudyDate"},
	TagSeriesDate:                     {VR_DA, "SeriesDate"},
	TagContentDate:                    {VR_DA, "ContentDate"},
	TagStudyTime:                      {VR_TM, "StudyTime"},
	TagSeriesTime:                     {VR_TM, "SeriesTime"},
	TagContentTime:                    {VR_TM, "ContentTime"},
	TagAccessionNumber:                {VR_SH, "AccessionNumber"},
	TagQueryRetrieveLevel:             {VR_CS, "QueryRetrieveLevel"},
	TagRetrieveAETitle:                {VR_AE, "RetrieveAETitle"},
	TagFailedSOPInstanceUIDList:       {VR_UI, "FailedSOPInstanceUIDList"},
	TagModality:                       {VR_CS, "Modality"},
	TagModalitiesInStudy:              {VR_CS, "ModalitiesInStudy"},
	TagManufacturer:                   {VR_LO, "Manufacturer"},
	TagInstitutionName:                {VR_LO, "InstitutionName"},
	TagReferringPhysicianName:         {VR_PN, "ReferringPhysicianName"},
	TagStudyDescription:               {VR_LO, "StudyDescription"},
	TagSeriesDescription:              {VR_LO, "SeriesDescription"},
	TagPatientName:                    {VR_PN, "PatientName"},
	TagPatientID:                      {VR_LO, "PatientID"},
	TagPatientBirthDate:               {VR_DA, "PatientBirthDate"},
	TagPatientSex:                     {VR_CS, "PatientSex"},
	TagPatientAge:                     {VR_AS, "PatientAge"},
	TagBodyPartExamined:               {VR_CS, "BodyPartExamined"},
	TagSliceThickness:                 {VR_DS, "SliceThickness"},
	TagProtocolName:                   {VR_LO, "ProtocolName"},
	TagStudyInstanceUID:               {VR_UI, "StudyInstanceUID"},
	TagSeriesInstanceUID:              {VR_UI, "SeriesInstanceUID"},
	TagStudyID:                        {VR_SH, "StudyID"},
	TagSeriesNumber:                   {VR_IS, "SeriesNumber"},
	TagInstanceNumber:                 {VR_IS, "InstanceNumber"},
	TagImagePositionPatient:           {VR_DS, "ImagePositionPatient"},
	TagImageOrientationPatient:        {VR_DS, "ImageOrientationPatient"},
	TagSliceLocation:                  {VR_DS, "SliceLocation"},
	TagNumberOfStudyRelatedSeries:     {VR_IS, "NumberOfStudyRelatedSeries"},
	TagNumberOfStudyRelatedInstances:  {VR_IS, "NumberOfStudyRelatedInstances"},
	TagNumberOfSeriesRelatedInstances: {VR_IS, "NumberOfSeriesRelatedInstances"},

	TagSamplesPerPixel:           {VR_US, "SamplesPerPixel"},
	TagPhotometricInterpretation: {VR_CS, "PhotometricInterpretation"},
	TagPlanarConfiguration:       {VR_US, "PlanarConfiguration"},
	TagNumberOfFrames:            {VR_IS, "NumberOfFrames"},
	TagRows:                      {VR_US, "Rows"},
	TagColumns:                   {VR_US, "Columns"},
	TagPixelSpacing:              {VR_DS, "PixelSpacing"},
	TagBitsAllocated:             {VR_US, "BitsAllocated"},
	TagBitsStored:                {VR_US, "BitsStored"},
	TagHighBit:                   {VR_US, "HighBit"},
	TagPixelRepresentation:       {VR_US, "PixelRepresentation"},
	TagWindowCenter:              {VR_DS, "WindowCenter"},
	TagWindowWidth:               {VR_DS, "WindowWidth"},
	TagRescaleIntercept:          {VR_DS, "RescaleIntercept"},
	TagRescaleSlope:              {VR_DS, "RescaleSlope"},
	TagPixelData:                 {VR_OW, "PixelData"},

	TagPatientStudyInstanceUIDs:   {VR_UI, "PatientStudyInstanceUIDs"},
	TagPatientMostRecentStudyDate: {VR_DA, "PatientMostRecentStudyDate"},

	{0x0008, 0x0012}: {VR_DA, "InstanceCreationDate"},
	{0x0008, 0x0013}: {VR_TM, "InstanceCreationTime"},
	{0x0008, 0x0022}: {VR_DA, "AcquisitionDate"},
	{0x0008, 0x0032}: {VR_TM, "AcquisitionTime"},
	{0x0008, 0x0064}: {VR_CS, "ConversionType"},
	{0x0008, 0x1010}: {VR_SH, "StationName"},
	{0x0008, 0x1090}: {VR_LO, "ManufacturerModelName"},
	{0x0008, 0x1140}: {VR_SQ, "ReferencedImageSequence"},
	{0x0008, 0x1150}: {VR_UI, "ReferencedSOPClassUID"},
	{0x0008, 0x1155}: {VR_UI, "ReferencedSOPInstanceUID"},
	{0x0018, 0x0060}: {VR_DS, "KVP"},
	{0x0018, 0x0088}: {VR_DS, "SpacingBetweenSlices"},
	{0x0020, 0x0052}: {VR_UI, "FrameOfReferenceUID"},
	{0x0028, 0x0106}: {VR_US, "SmallestImagePixelValue"},
	{0x0028, 0x0107}: {VR_US, "LargestImagePixelValue"},
	{0x0028, 0x1054}: {VR_LO, "RescaleType"},
}

// LookupVR returns the dictionary VR for tag, used when decoding implicit VR
// data. Group lengths are UL, private creators LO; anything else unknown is UN.
func LookupVR(tag Tag) string {
	if entry, ok := dictionary[tag]; ok {
		return entry.VR
	}
	switch {
	case tag.Element == 0x0000:
		return VR_UL
	case tag.IsPrivate() && tag.Element >= 0x0010 && tag.Element <= 0x00FF:
		return VR_LO
	}
	return VR_UN
}

// TagName returns the keyword for a known tag, or the (gggg,eeee) form.
func TagName(tag Tag) string {
	if entry, ok := dictionary[tag]; ok {
		return entry.Name
	}
	return tag.String()
}

// TagByName resolves a keyword such as "PatientID" (case-insensitive) or a
// "gggg,eeee" hex pair.
func TagByName(name string) (Tag, bool) {
	for tag, entry := range dictionary {
		if strings.EqualFold(entry.Name, name) {
			return tag, true
		}
	}
	var group, element uint16
	trimmed := strings.Trim(name, "()")
	if n, err := fmt.Sscanf(trimmed, "%x,%x", &group, &element); err == nil && n == 2 {
		return Tag{group, element}, true
	}
	return Tag{}, false
}
