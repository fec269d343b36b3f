package types

// DIMSE command fields
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CGetRQ    = 0x0010
	CGetRSP   = 0x8010
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// Command Data Set Type values
const (
	DataSetPresent = 0x0000
	NoDataSet      = 0x0101
)

// Priority values
const (
	PriorityMedium = 0x0000
	PriorityHigh   = 0x0001
	PriorityLow    = 0x0002
)

// DIMSE status codes
const (
	StatusSuccess                 = 0x0000
	StatusPending                 = 0xFF00
	StatusPendingWarning          = 0xFF01
	StatusCancel                  = 0xFE00
	StatusProcessingFailure       = 0x0110
	StatusNoSuchSOPClass          = 0x0122
	StatusOutOfResources          = 0xA700
	StatusOutOfResourcesMatches   = 0xA701
	StatusOutOfResourcesSubOps    = 0xA702
	StatusMoveDestinationUnknown  = 0xA801
	StatusIdentifierMismatch      = 0xA900
	StatusSubOperationsWarning    = 0xB000
	StatusDataSetMismatch         = 0xB007
	StatusFailure                 = 0xC000
	StatusUnableToProcess         = 0xC001
	StatusDuplicateSOPInstance    = 0x0111
	StatusStorageOutOfResources   = 0xA7FF
	StatusStorageCannotUnderstand = 0xC0FF
)

// IsPendingStatus reports a pending C-FIND/C-GET/C-MOVE response.
func IsPendingStatus(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsWarningStatus reports a warning status (0x0001, 0x0107, 0x0116, 0xBxxx).
func IsWarningStatus(status uint16) bool {
	return status == 0x0001 || status == 0x0107 || status == 0x0116 || status&0xF000 == 0xB000
}

// IsSuccessStatus reports success, including warnings.
func IsSuccessStatus(status uint16) bool {
	return status == StatusSuccess || IsWarningStatus(status)
}

// Message represents a parsed DIMSE command
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	ErrorComment              string
	MessageIDBeingRespondedTo uint16
	MoveDestination           string // C-MOVE-RQ destination AE title
	MoveOriginatorAETitle     string
	MoveOriginatorMessageID   uint16
	TransferSyntaxUID         string // negotiated syntax of the accompanying dataset
	PresentationContextID     byte

	// C-MOVE and C-GET response counters
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// HasDataSet reports whether a dataset follows the command.
func (m *Message) HasDataSet() bool {
	return m.CommandDataSetType != NoDataSet
}

// Counter dereferences a sub-operation counter, returning 0 when absent.
func Counter(v *uint16) uint16 {
	if v == nil {
		return 0
	}
	return *v
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	switch request {
	case CStoreRQ:
		return CStoreRSP
	case CGetRQ:
		return CGetRSP
	case CFindRQ:
		return CFindRSP
	case CMoveRQ:
		return CMoveRSP
	case CEchoRQ:
		return CEchoRSP
	default:
		return request | 0x8000
	}
}
