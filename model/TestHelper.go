package model

import (
	"encoding/binary"

	"github.com/holiman/uint256"
)

// ChainOptions controls the blocks produced by GenerateChain.
type ChainOptions struct {
	// Difficulty of every generated block, defaults to 100.
	Difficulty uint64

	// Empty blocks carry no transactions and therefore need no body download.
	Empty bool

	// Fork is written into Extra so that two chains built on the same parent get different hashes.
	Fork byte
}

// GenerateChain returns n deterministic blocks extending parent. Equal inputs always give equal hashes,
// which lets independent nodes build identical chains.
func GenerateChain(parent *Header, n int, opts ChainOptions) []*Block {
	if opts.Difficulty == 0 {
		opts.Difficulty = 100
	}

	blocks := make([]*Block, 0, n)

	for i := 0; i < n; i++ {
		number := parent.Number + 1

		body := &Body{}
		if !opts.Empty {
			tx := make([]byte, 0, 16)
			tx = append(tx, 't', 'x', opts.Fork)
			tx = binary.BigEndian.AppendUint64(tx, number)
			body.Transactions = [][]byte{tx}
		}

		header := &Header{
			ParentHash: parent.Hash(),
			Number:     number,
			Difficulty: uint256.NewInt(opts.Difficulty),
			Timestamp:  parent.Timestamp + 10,
			TxRoot:     body.Root(),
			Extra:      []byte{opts.Fork},
		}

		block := NewBlock(header, body)
		blocks = append(blocks, block)
		parent = header
	}

	return blocks
}

// ChainDifficulty sums the difficulty of blocks.
func ChainDifficulty(blocks []*Block) *uint256.Int {
	td := uint256.NewInt(0)
	for _, b := range blocks {
		td.Add(td, b.Header.DifficultyOrZero())
	}

	return td
}
