package types

// PDU type constants
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// Association item types
const (
	ItemApplicationContext    = 0x10
	ItemPresentationContextRQ = 0x20
	ItemPresentationContextAC = 0x21
	ItemAbstractSyntax        = 0x30
	ItemTransferSyntax        = 0x40
	ItemUserInformation       = 0x50
	ItemMaxLength             = 0x51
	ItemImplementationClass   = 0x52
	ItemRoleSelection         = 0x54
	ItemImplementationVersion = 0x55
)

// Presentation context results
const (
	PresentationAcceptance             = 0x00
	PresentationUserRejection          = 0x01
	PresentationNoReason               = 0x02
	PresentationAbstractSyntaxRejected = 0x03
	PresentationTransferSyntaxRejected = 0x04
)

// DefaultMaxPDULength is used when a peer does not announce its limit.
const DefaultMaxPDULength = 16384

// PDU represents a Protocol Data Unit
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// RoleSelection carries an SCP/SCU role negotiation sub-item.
type RoleSelection struct {
	SOPClassUID string
	SCURole     bool
	SCPRole     bool
}

// AssociationContext holds association state
type AssociationContext struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
	Roles            map[string]RoleSelection
}

// PresentationContext represents a negotiated presentation context
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}
