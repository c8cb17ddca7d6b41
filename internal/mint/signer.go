package mint

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

//go:generate mockgen -source=signer.go -destination=mock_signer_test.go -package=mint

// Signer is the treasury as seen by the processor. *treasury.Custodian implements it.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}
