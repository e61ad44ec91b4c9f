package model

import (
	"fmt"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// MaxExtraSize is the largest Extra field a valid header may carry.
const MaxExtraSize = 32

type Header struct {
	// Hash of the parent header.
	ParentHash chainhash.Hash

	// Height of the block, genesis is 0.
	Number uint64

	// Work contributed by this block alone; total difficulty is the sum from genesis.
	Difficulty *uint256.Int

	// Unix time the block was created.
	Timestamp uint64

	// Commitment to the block body, see Body.Root.
	TxRoot chainhash.Hash

	// Free form data.
	Extra []byte
}

// Hash returns the double sha256 of the header's rlp encoding.
func (h *Header) Hash() chainhash.Hash {
	b, err := rlp.EncodeToBytes(h)
	if err != nil {
		// only reachable with a nil header
		return chainhash.Hash{}
	}

	return chainhash.DoubleHashH(b)
}

func (h *Header) String() string {
	return fmt.Sprintf("#%d %s", h.Number, h.Hash().String())
}

// Bytes returns the rlp encoding of the header.
func (h *Header) Bytes() ([]byte, error) {
	return rlp.EncodeToBytes(h)
}

func NewHeaderFromBytes(b []byte) (*Header, error) {
	h := &Header{}
	if err := rlp.DecodeBytes(b, h); err != nil {
		return nil, errors.NewProcessingError("error decoding header", err)
	}

	return h, nil
}

// DifficultyOrZero never returns nil.
func (h *Header) DifficultyOrZero() *uint256.Int {
	if h.Difficulty == nil {
		return uint256.NewInt(0)
	}

	return h.Difficulty
}

// ValidateLink checks that h is the direct child of parent. It does not look at the body.
func (h *Header) ValidateLink(parent *Header) error {
	if h.Number != parent.Number+1 {
		return errors.NewBlockInvalidError("block %d is not the child of block %d", h.Number, parent.Number)
	}

	if h.ParentHash != parent.Hash() {
		return errors.NewBlockInvalidError("block %d parent hash %s does not match %s", h.Number, h.ParentHash, parent.Hash())
	}

	return nil
}
