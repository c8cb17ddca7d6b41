package queue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type JobType string

const (
	TypeMint     JobType = "mint"
	TypeTransfer JobType = "transfer"
	TypeBurn     JobType = "burn"
)

// Payload is one of MintPayload, TransferPayload or BurnPayload.
type Payload interface {
	JobType() JobType
	// JobKey is deterministic; two live jobs never share a key.
	JobKey() string
	Ticket() string
	Tenant() string
	Validate() error
}

type MintPayload struct {
	TicketID     string            `json:"ticketId"`
	OwnerID      string            `json:"ownerId"`
	OwnerAddress string            `json:"ownerAddress"`
	EventID      string            `json:"eventId"`
	TenantID     string            `json:"tenantId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (MintPayload) JobType() JobType { return TypeMint }
func (p MintPayload) JobKey() string { return "mint:" + p.TicketID }
func (p MintPayload) Ticket() string { return p.TicketID }
func (p MintPayload) Tenant() string { return p.TenantID }

func (p MintPayload) Validate() error {
	var problems []error
	if strings.TrimSpace(p.TicketID) == "" {
		problems = append(problems, errors.New("ticketId required"))
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		problems = append(problems, errors.New("ownerId required"))
	}
	if !common.IsHexAddress(p.OwnerAddress) {
		problems = append(problems, fmt.Errorf("ownerAddress %q is not a hex address", p.OwnerAddress))
	}
	if strings.TrimSpace(p.EventID) == "" {
		problems = append(problems, errors.New("eventId required"))
	}
	return errors.Join(problems...)
}

type TransferPayload struct {
	TicketID    string `json:"ticketId"`
	RequestID   string `json:"requestId"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	ToOwnerID   string `json:"toOwnerId"`
	TenantID    string `json:"tenantId,omitempty"`
}

func (TransferPayload) JobType() JobType { return TypeTransfer }
func (p TransferPayload) JobKey() string { return "transfer:" + p.TicketID + ":" + p.RequestID }
func (p TransferPayload) Ticket() string { return p.TicketID }
func (p TransferPayload) Tenant() string { return p.TenantID }

func (p TransferPayload) Validate() error {
	var problems []error
	if strings.TrimSpace(p.TicketID) == "" {
		problems = append(problems, errors.New("ticketId required"))
	}
	if strings.TrimSpace(p.RequestID) == "" {
		problems = append(problems, errors.New("requestId required"))
	}
	if !common.IsHexAddress(p.FromAddress) {
		problems = append(problems, fmt.Errorf("fromAddress %q is not a hex address", p.FromAddress))
	}
	if !common.IsHexAddress(p.ToAddress) {
		problems = append(problems, fmt.Errorf("toAddress %q is not a hex address", p.ToAddress))
	}
	return errors.Join(problems...)
}

type BurnPayload struct {
	TicketID string `json:"ticketId"`
	TenantID string `json:"tenantId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (BurnPayload) JobType() JobType { return TypeBurn }
func (p BurnPayload) JobKey() string { return "burn:" + p.TicketID }
func (p BurnPayload) Ticket() string { return p.TicketID }
func (p BurnPayload) Tenant() string { return p.TenantID }

func (p BurnPayload) Validate() error {
	if strings.TrimSpace(p.TicketID) == "" {
		return errors.New("ticketId required")
	}
	return nil
}
