package protocol

import (
	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/ethereum/go-ethereum/rlp"
)

// Encode serialises msg and returns the packet id it travels under.
func Encode(msg Message) (PacketID, []byte, error) {
	if msg == nil {
		return 0, nil, errors.NewInvalidArgumentError("cannot encode nil message")
	}

	payload, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return 0, nil, errors.NewProcessingError("error encoding %s packet", msg.Code(), err)
	}

	return msg.Code(), payload, nil
}

// Decode parses payload as packet id. Any failure is reported as ErrMalformedPacket.
func Decode(id PacketID, payload []byte) (Message, error) {
	msg := newMessage(id)
	if msg == nil {
		return nil, errors.NewMalformedPacketError("unknown packet id 0x%02x", byte(id))
	}

	// DecodeBytes rejects trailing data after the value
	if err := rlp.DecodeBytes(payload, msg); err != nil {
		return nil, errors.NewMalformedPacketError("invalid %s packet", id, err)
	}

	if err := validate(msg); err != nil {
		return nil, err
	}

	return msg, nil
}

func newMessage(id PacketID) Message {
	switch id {
	case StatusPacket:
		return &Status{}
	case NewBlockHashesPacket:
		return &NewBlockHashes{}
	case TransactionsPacket:
		return &Transactions{}
	case GetBlockHeadersPacket:
		return &GetBlockHeaders{}
	case BlockHeadersPacket:
		return &BlockHeaders{}
	case GetBlockBodiesPacket:
		return &GetBlockBodies{}
	case BlockBodiesPacket:
		return &BlockBodies{}
	case NewBlockPacket:
		return &NewBlock{}
	default:
		return nil
	}
}

// validate rejects packets that decode but cannot be used, such as nil entries in a header list.
func validate(msg Message) error {
	switch m := msg.(type) {
	case *Status:
		if m.TotalDifficulty == nil {
			return errors.NewMalformedPacketError("status without total difficulty")
		}
	case *BlockHeaders:
		for i, h := range *m {
			if h == nil || h.Difficulty == nil {
				return errors.NewMalformedPacketError("header %d is empty", i)
			}
		}
	case *BlockBodies:
		for i, b := range *m {
			if b == nil {
				return errors.NewMalformedPacketError("body %d is empty", i)
			}
		}
	case *NewBlock:
		if m.Block == nil || m.Block.Header == nil || m.Block.Body == nil || m.TotalDifficulty == nil {
			return errors.NewMalformedPacketError("incomplete new block packet")
		}

		if m.Block.Header.Difficulty == nil {
			return errors.NewMalformedPacketError("new block without difficulty")
		}
	}

	return nil
}
