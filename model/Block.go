package model

import (
	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// EmptyBodyHash is the TxRoot of a block without transactions.
var EmptyBodyHash = (&Body{}).Root()

type Body struct {
	Transactions [][]byte
}

// Root commits to the transaction list, it must equal the header's TxRoot.
func (b *Body) Root() chainhash.Hash {
	txs := b.Transactions
	if txs == nil {
		txs = [][]byte{}
	}

	enc, err := rlp.EncodeToBytes(txs)
	if err != nil {
		return chainhash.Hash{}
	}

	return chainhash.DoubleHashH(enc)
}

func (b *Body) IsEmpty() bool {
	return len(b.Transactions) == 0
}

func (b *Body) Bytes() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

func NewBodyFromBytes(data []byte) (*Body, error) {
	body := &Body{}
	if err := rlp.DecodeBytes(data, body); err != nil {
		return nil, errors.NewProcessingError("error decoding body", err)
	}

	return body, nil
}

type Block struct {
	Header *Header
	Body   *Body
}

func NewBlock(header *Header, body *Body) *Block {
	if body == nil {
		body = &Body{}
	}

	return &Block{Header: header, Body: body}
}

func (b *Block) Hash() chainhash.Hash {
	return b.Header.Hash()
}

func (b *Block) Number() uint64 {
	return b.Header.Number
}

func (b *Block) ParentHash() chainhash.Hash {
	return b.Header.ParentHash
}

func (b *Block) Bytes() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

func NewBlockFromBytes(data []byte) (*Block, error) {
	block := &Block{}
	if err := rlp.DecodeBytes(data, block); err != nil {
		return nil, errors.NewProcessingError("error decoding block", err)
	}

	return block, nil
}

// Validate runs the structural validity rules of a block against its parent header.
func (b *Block) Validate(parent *Header) error {
	if b.Header == nil || b.Body == nil {
		return errors.NewBlockInvalidError("block is missing header or body")
	}

	if err := b.Header.ValidateLink(parent); err != nil {
		return err
	}

	if b.Header.Difficulty == nil || b.Header.Difficulty.IsZero() {
		return errors.NewBlockInvalidError("block %d has zero difficulty", b.Header.Number)
	}

	if b.Header.Timestamp < parent.Timestamp {
		return errors.NewBlockInvalidError("block %d timestamp %d is before parent timestamp %d", b.Header.Number, b.Header.Timestamp, parent.Timestamp)
	}

	if len(b.Header.Extra) > MaxExtraSize {
		return errors.NewBlockInvalidError("block %d extra data too long: %d", b.Header.Number, len(b.Header.Extra))
	}

	if root := b.Body.Root(); root != b.Header.TxRoot {
		return errors.NewBlockInvalidError("block %d body root %s does not match header %s", b.Header.Number, root, b.Header.TxRoot)
	}

	return nil
}

// BlockInfo is a chain tip as reported by a ledger.
type BlockInfo struct {
	Number          uint64
	Hash            chainhash.Hash
	TotalDifficulty *uint256.Int
}

// Cmp orders tips by total difficulty, then by number.
func (bi *BlockInfo) Cmp(other *BlockInfo) int {
	if c := bi.TotalDifficulty.Cmp(other.TotalDifficulty); c != 0 {
		return c
	}

	switch {
	case bi.Number > other.Number:
		return 1
	case bi.Number < other.Number:
		return -1
	default:
		return 0
	}
}

// ValidateChain validates blocks as consecutive descendants of parent.
func ValidateChain(parent *Header, blocks []*Block) error {
	for _, block := range blocks {
		if err := block.Validate(parent); err != nil {
			return err
		}

		parent = block.Header
	}

	return nil
}

// TotalDifficultyOf adds the difficulty of header to parentTD.
func TotalDifficultyOf(parentTD *uint256.Int, header *Header) *uint256.Int {
	return new(uint256.Int).Add(parentTD, header.DifficultyOrZero())
}
