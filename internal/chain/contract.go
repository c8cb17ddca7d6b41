package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TicketABI describes the ticket NFT contract the treasury mints against.
const TicketABI = `[
  {"type":"function","name":"mintTicket","stateMutability":"payable","inputs":[
    {"name":"to","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"uri","type":"string"}],"outputs":[]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[
    {"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[
    {"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[
    {"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"error","name":"TicketAlreadyMinted","inputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"error","name":"NotTicketOwner","inputs":[{"name":"caller","type":"address"},{"name":"tokenId","type":"uint256"}]},
  {"type":"error","name":"UnknownTicket","inputs":[{"name":"tokenId","type":"uint256"}]}
]`

var ticketABI = mustParse(TicketABI)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse ticket abi: %v", err))
	}
	return parsed
}

// ParsedTicketABI returns the parsed contract ABI.
func ParsedTicketABI() *abi.ABI { return &ticketABI }

// TokenIDFor derives the on-chain token id of a ticket. The contract refuses a
// second mint of the same id.
func TokenIDFor(ticketID string) *big.Int {
	return new(big.Int).SetBytes(crypto.Keccak256([]byte(ticketID)))
}

func PackMint(to common.Address, tokenID *big.Int, uri string) ([]byte, error) {
	return ticketABI.Pack("mintTicket", to, tokenID, uri)
}

func PackTransfer(from, to common.Address, tokenID *big.Int) ([]byte, error) {
	return ticketABI.Pack("transferFrom", from, to, tokenID)
}

func PackBurn(tokenID *big.Int) ([]byte, error) {
	return ticketABI.Pack("burn", tokenID)
}
