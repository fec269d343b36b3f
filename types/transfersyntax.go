package types

// Transfer syntax UIDs (PS3.5 section 8, PS3.6 annex A).
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"

	JPEGBaseline8Bit   = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit  = "1.2.840.10008.1.2.4.51"
	JPEGLossless       = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1    = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless     = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless = "1.2.840.10008.1.2.4.81"
	JPEG2000Lossless   = "1.2.840.10008.1.2.4.90"
	JPEG2000           = "1.2.840.10008.1.2.4.91"
	RLELossless        = "1.2.840.10008.1.2.5"
	HTJ2KLossless      = "1.2.840.10008.1.2.4.201"
	HTJ2K              = "1.2.840.10008.1.2.4.203"
)

// TransferSyntaxInfo describes how a transfer syntax lays out a dataset.
type TransferSyntaxInfo struct {
	UID          string
	Name         string
	ImplicitVR   bool
	BigEndian    bool
	Deflated     bool
	Encapsulated bool // pixel data carried as compressed fragments
}

// Native reports whether pixel data is stored uncompressed in little endian order.
func (i TransferSyntaxInfo) Native() bool {
	return !i.BigEndian && !i.Deflated && !i.Encapsulated
}

// Decodable reports whether the dataset body can be read element by element
// without an external codec.
func (i TransferSyntaxInfo) Decodable() bool {
	return !i.BigEndian && !i.Deflated
}

var transferSyntaxRegistry = map[string]TransferSyntaxInfo{
	ImplicitVRLittleEndian:         {UID: ImplicitVRLittleEndian, Name: "Implicit VR Little Endian", ImplicitVR: true},
	ExplicitVRLittleEndian:         {UID: ExplicitVRLittleEndian, Name: "Explicit VR Little Endian"},
	DeflatedExplicitVRLittleEndian: {UID: DeflatedExplicitVRLittleEndian, Name: "Deflated Explicit VR Little Endian", Deflated: true},
	ExplicitVRBigEndian:            {UID: ExplicitVRBigEndian, Name: "Explicit VR Big Endian", BigEndian: true},
	JPEGBaseline8Bit:               {UID: JPEGBaseline8Bit, Name: "JPEG Baseline (Process 1)", Encapsulated: true},
	JPEGExtended12Bit:              {UID: JPEGExtended12Bit, Name: "JPEG Extended (Process 2 & 4)", Encapsulated: true},
	JPEGLossless:                   {UID: JPEGLossless, Name: "JPEG Lossless (Process 14)", Encapsulated: true},
	JPEGLosslessSV1:                {UID: JPEGLosslessSV1, Name: "JPEG Lossless SV1", Encapsulated: true},
	JPEGLSLossless:                 {UID: JPEGLSLossless, Name: "JPEG-LS Lossless", Encapsulated: true},
	JPEGLSNearLossless:             {UID: JPEGLSNearLossless, Name: "JPEG-LS Near-Lossless", Encapsulated: true},
	JPEG2000Lossless:               {UID: JPEG2000Lossless, Name: "JPEG 2000 Lossless Only", Encapsulated: true},
	JPEG2000:                       {UID: JPEG2000, Name: "JPEG 2000", Encapsulated: true},
	RLELossless:                    {UID: RLELossless, Name: "RLE Lossless", Encapsulated: true},
	HTJ2KLossless:                  {UID: HTJ2KLossless, Name: "HTJ2K Lossless", Encapsulated: true},
	HTJ2K:                          {UID: HTJ2K, Name: "HTJ2K", Encapsulated: true},
}

// LookupTransferSyntax returns the registry entry for uid. Unknown UIDs under
// the DICOM root are assumed to be encapsulated explicit VR little endian,
// which is how every compressed transfer syntax is laid out.
func LookupTransferSyntax(uid string) (TransferSyntaxInfo, bool) {
	info, ok := transferSyntaxRegistry[uid]
	if !ok {
		return TransferSyntaxInfo{UID: uid, Name: "Unknown", Encapsulated: true}, false
	}
	return info, true
}

// IsCompressed returns true if pixel data under uid is not stored natively.
func IsCompressed(uid string) bool {
	info, _ := LookupTransferSyntax(uid)
	return !info.Native()
}

// IsImplicitVR returns true for the implicit VR little endian transfer syntax.
func IsImplicitVR(uid string) bool {
	info, _ := LookupTransferSyntax(uid)
	return info.ImplicitVR
}

// NativeTransferSyntaxes lists the uncompressed syntaxes every association proposes.
func NativeTransferSyntaxes() []string {
	return []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}
}

// StorageTransferSyntaxes returns the negotiation order used for storage
// contexts: native first, then the encapsulated syntaxes a peer may hold.
func StorageTransferSyntaxes() []string {
	return []string{
		ExplicitVRLittleEndian,
		ImplicitVRLittleEndian,
		JPEG2000Lossless,
		JPEGLosslessSV1,
		RLELossless,
		JPEG2000,
		JPEGBaseline8Bit,
	}
}
