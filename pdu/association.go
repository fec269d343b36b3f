package pdu

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/caio-sobreiro/pacsman/types"
)

// ProposedContext is a presentation context offered in an A-ASSOCIATE-RQ.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AssociateRQ is the content of an A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	CalledAETitle             string
	CallingAETitle            string
	Contexts                  []ProposedContext
	MaxPDULength              uint32
	Roles                     []types.RoleSelection
	ImplementationClassUID    string
	ImplementationVersionName string
}

// AssociateAC is the content of an A-ASSOCIATE-AC PDU.
type AssociateAC struct {
	CalledAETitle             string
	CallingAETitle            string
	Contexts                  []*types.PresentationContext
	MaxPDULength              uint32
	Roles                     []types.RoleSelection
	ImplementationClassUID    string
	ImplementationVersionName string
}

func encodeFixedFields(called, calling string) []byte {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001) // protocol version
	copy(fixed[4:20], EncodeAETitle(called))
	copy(fixed[20:36], EncodeAETitle(calling))
	return fixed
}

func encodeUserInformation(maxPDU uint32, roles []types.RoleSelection, implClass, implVersion string) []byte {
	if implClass == "" {
		implClass = types.ImplementationClassUID
	}
	if implVersion == "" {
		implVersion = types.ImplementationVersionName
	}

	var userInfo []byte
	userInfo = AppendItem(userInfo, types.ItemMaxLength, binary.BigEndian.AppendUint32(nil, maxPDU))
	userInfo = AppendItem(userInfo, types.ItemImplementationClass, []byte(implClass))
	for _, role := range roles {
		userInfo = AppendItem(userInfo, types.ItemRoleSelection, EncodeRoleSelection(role))
	}
	userInfo = AppendItem(userInfo, types.ItemImplementationVersion, []byte(implVersion))
	return AppendItem(nil, types.ItemUserInformation, userInfo)
}

// EncodeAssociateRQ builds the body of an A-ASSOCIATE-RQ PDU.
func EncodeAssociateRQ(rq *AssociateRQ) []byte {
	body := encodeFixedFields(rq.CalledAETitle, rq.CallingAETitle)
	body = AppendItem(body, types.ItemApplicationContext, []byte(types.ApplicationContextUID))

	for _, pc := range rq.Contexts {
		value := []byte{pc.ID, 0x00, 0x00, 0x00}
		value = AppendItem(value, types.ItemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			value = AppendItem(value, types.ItemTransferSyntax, []byte(ts))
		}
		body = AppendItem(body, types.ItemPresentationContextRQ, value)
	}

	return append(body, encodeUserInformation(rq.MaxPDULength, rq.Roles, rq.ImplementationClassUID, rq.ImplementationVersionName)...)
}

// EncodeAssociateAC builds the body of an A-ASSOCIATE-AC PDU. Contexts are
// written in ID order; accepted ones carry their transfer syntax.
func EncodeAssociateAC(ac *AssociateAC) []byte {
	body := encodeFixedFields(ac.CalledAETitle, ac.CallingAETitle)
	body = AppendItem(body, types.ItemApplicationContext, []byte(types.ApplicationContextUID))

	contexts := slices.Clone(ac.Contexts)
	slices.SortFunc(contexts, func(a, b *types.PresentationContext) int { return int(a.ID) - int(b.ID) })
	for _, pc := range contexts {
		value := []byte{pc.ID, 0x00, pc.Result, 0x00}
		if pc.Result == types.PresentationAcceptance {
			value = AppendItem(value, types.ItemTransferSyntax, []byte(pc.TransferSyntax))
		}
		body = AppendItem(body, types.ItemPresentationContextAC, value)
	}

	return append(body, encodeUserInformation(ac.MaxPDULength, ac.Roles, ac.ImplementationClassUID, ac.ImplementationVersionName)...)
}

type userInformation struct {
	maxPDU      uint32
	roles       []types.RoleSelection
	implClass   string
	implVersion string
}

func decodeUserInformation(data []byte) (userInformation, error) {
	var info userInformation
	items, err := ParseItems(data)
	if err != nil {
		return info, fmt.Errorf("user information: %w", err)
	}
	for _, item := range items {
		switch item.Type {
		case types.ItemMaxLength:
			if len(item.Value) == 4 {
				info.maxPDU = binary.BigEndian.Uint32(item.Value)
			}
		case types.ItemImplementationClass:
			info.implClass = normalizeUID(item.Value)
		case types.ItemImplementationVersion:
			info.implVersion = normalizeUID(item.Value)
		case types.ItemRoleSelection:
			role, err := DecodeRoleSelection(item.Value)
			if err != nil {
				return info, err
			}
			info.roles = append(info.roles, role)
		}
	}
	return info, nil
}

// DecodeAssociateRQ parses the body of an A-ASSOCIATE-RQ PDU.
func DecodeAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("association request too short")
	}
	rq := &AssociateRQ{
		CalledAETitle:  DecodeAETitle(data[4:20]),
		CallingAETitle: DecodeAETitle(data[20:36]),
	}

	items, err := ParseItems(data[68:])
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		switch item.Type {
		case types.ItemPresentationContextRQ:
			pc, err := decodeProposedContext(item.Value)
			if err != nil {
				return nil, err
			}
			rq.Contexts = append(rq.Contexts, pc)
		case types.ItemUserInformation:
			info, err := decodeUserInformation(item.Value)
			if err != nil {
				return nil, err
			}
			rq.MaxPDULength = info.maxPDU
			rq.Roles = info.roles
			rq.ImplementationClassUID = info.implClass
			rq.ImplementationVersionName = info.implVersion
		}
	}
	return rq, nil
}

func decodeProposedContext(data []byte) (ProposedContext, error) {
	if len(data) < 4 {
		return ProposedContext{}, fmt.Errorf("presentation context too short: %d", len(data))
	}
	pc := ProposedContext{ID: data[0]}
	subItems, err := ParseItems(data[4:])
	if err != nil {
		return ProposedContext{}, fmt.Errorf("presentation context %d: %w", pc.ID, err)
	}
	for _, sub := range subItems {
		switch sub.Type {
		case types.ItemAbstractSyntax:
			pc.AbstractSyntax = normalizeUID(sub.Value)
		case types.ItemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, normalizeUID(sub.Value))
		}
	}
	if pc.AbstractSyntax == "" {
		return ProposedContext{}, fmt.Errorf("presentation context %d missing abstract syntax", pc.ID)
	}
	return pc, nil
}

// DecodeAssociateAC parses the body of an A-ASSOCIATE-AC PDU. Abstract
// syntaxes are not echoed by the acceptor; callers map them back by ID.
func DecodeAssociateAC(data []byte) (*AssociateAC, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("association accept too short")
	}
	ac := &AssociateAC{
		CalledAETitle:  DecodeAETitle(data[4:20]),
		CallingAETitle: DecodeAETitle(data[20:36]),
	}

	items, err := ParseItems(data[68:])
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		switch item.Type {
		case types.ItemPresentationContextAC:
			if len(item.Value) < 4 {
				return nil, fmt.Errorf("presentation context result too short")
			}
			pc := &types.PresentationContext{ID: item.Value[0], Result: item.Value[2]}
			subItems, err := ParseItems(item.Value[4:])
			if err != nil {
				return nil, fmt.Errorf("presentation context %d: %w", pc.ID, err)
			}
			for _, sub := range subItems {
				if sub.Type == types.ItemTransferSyntax {
					pc.TransferSyntax = normalizeUID(sub.Value)
				}
			}
			ac.Contexts = append(ac.Contexts, pc)
		case types.ItemUserInformation:
			info, err := decodeUserInformation(item.Value)
			if err != nil {
				return nil, err
			}
			ac.MaxPDULength = info.maxPDU
			ac.Roles = info.roles
			ac.ImplementationClassUID = info.implClass
			ac.ImplementationVersionName = info.implVersion
		}
	}
	return ac, nil
}
