package model

import (
	"encoding/binary"

	"github.com/holiman/uint256"
)

// GenesisDifficulty is the work assigned to every genesis block.
const GenesisDifficulty = 1

// NewGenesis returns the genesis block of networkID. Nodes with different network ids never share a genesis.
func NewGenesis(networkID uint64) *Block {
	extra := make([]byte, 0, 17)
	extra = append(extra, []byte("blocksync")...)
	extra = binary.BigEndian.AppendUint64(extra, networkID)

	header := &Header{
		Number:     0,
		Difficulty: uint256.NewInt(GenesisDifficulty),
		Timestamp:  0,
		TxRoot:     EmptyBodyHash,
		Extra:      extra,
	}

	return NewBlock(header, &Body{})
}
