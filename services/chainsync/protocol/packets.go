// Package protocol defines the wire messages exchanged between syncing peers and their rlp encoding.
package protocol

import (
	"fmt"
	"io"

	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// PacketID is the one byte message identifier. The values are part of the wire contract.
type PacketID byte

const (
	StatusPacket          PacketID = 0x00
	NewBlockHashesPacket  PacketID = 0x01
	TransactionsPacket    PacketID = 0x02
	GetBlockHeadersPacket PacketID = 0x03
	BlockHeadersPacket    PacketID = 0x04
	GetBlockBodiesPacket  PacketID = 0x05
	BlockBodiesPacket     PacketID = 0x06
	NewBlockPacket        PacketID = 0x07
)

var packetNames = map[PacketID]string{
	StatusPacket:          "Status",
	NewBlockHashesPacket:  "NewBlockHashes",
	TransactionsPacket:    "Transactions",
	GetBlockHeadersPacket: "GetBlockHeaders",
	BlockHeadersPacket:    "BlockHeaders",
	GetBlockBodiesPacket:  "GetBlockBodies",
	BlockBodiesPacket:     "BlockBodies",
	NewBlockPacket:        "NewBlock",
}

func (id PacketID) String() string {
	if name, ok := packetNames[id]; ok {
		return name
	}

	return fmt.Sprintf("Unknown(0x%02x)", byte(id))
}

// Valid reports whether id is one of the known packets.
func (id PacketID) Valid() bool {
	_, ok := packetNames[id]
	return ok
}

// Message is implemented by every packet payload.
type Message interface {
	Code() PacketID
}

type Status struct {
	ProtocolVersion uint32
	NetworkID       uint64
	TotalDifficulty *uint256.Int
	BestHash        chainhash.Hash
	BestNumber      uint64
	GenesisHash     chainhash.Hash
}

func (*Status) Code() PacketID { return StatusPacket }

// BlockAnnouncement is a single entry of a NewBlockHashes packet.
type BlockAnnouncement struct {
	Hash   chainhash.Hash
	Number uint64
}

type NewBlockHashes []BlockAnnouncement

func (*NewBlockHashes) Code() PacketID { return NewBlockHashesPacket }

// Transactions are opaque to the sync engine.
type Transactions [][]byte

func (*Transactions) Code() PacketID { return TransactionsPacket }

// HashOrNumber is the origin of a header query, either a block hash or a block number.
type HashOrNumber struct {
	Hash   chainhash.Hash
	Number uint64
}

func OriginNumber(n uint64) HashOrNumber {
	return HashOrNumber{Number: n}
}

func OriginHash(h chainhash.Hash) HashOrNumber {
	return HashOrNumber{Hash: h}
}

func (hn *HashOrNumber) IsHash() bool {
	return hn.Hash != (chainhash.Hash{})
}

// EncodeRLP writes the hash when set, the number otherwise.
func (hn *HashOrNumber) EncodeRLP(w io.Writer) error {
	if !hn.IsHash() {
		return rlp.Encode(w, hn.Number)
	}

	if hn.Number != 0 {
		return fmt.Errorf("both origin hash (%s) and number (%d) provided", hn.Hash, hn.Number)
	}

	return rlp.Encode(w, hn.Hash)
}

// DecodeRLP tells a hash from a number by the size of the encoded string.
func (hn *HashOrNumber) DecodeRLP(s *rlp.Stream) error {
	_, size, err := s.Kind()

	switch {
	case err != nil:
		return err
	case size == chainhash.HashSize:
		hn.Number = 0
		return s.Decode(&hn.Hash)
	case size <= 8:
		hn.Hash = chainhash.Hash{}
		return s.Decode(&hn.Number)
	default:
		return fmt.Errorf("invalid input size %d for origin", size)
	}
}

type GetBlockHeaders struct {
	Origin  HashOrNumber
	Amount  uint64
	Skip    uint64
	Reverse bool
}

func (*GetBlockHeaders) Code() PacketID { return GetBlockHeadersPacket }

type BlockHeaders []*model.Header

func (*BlockHeaders) Code() PacketID { return BlockHeadersPacket }

type GetBlockBodies []chainhash.Hash

func (*GetBlockBodies) Code() PacketID { return GetBlockBodiesPacket }

type BlockBodies []*model.Body

func (*BlockBodies) Code() PacketID { return BlockBodiesPacket }

type NewBlock struct {
	Block           *model.Block
	TotalDifficulty *uint256.Int
}

func (*NewBlock) Code() PacketID { return NewBlockPacket }
