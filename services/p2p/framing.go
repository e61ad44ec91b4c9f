package p2p

import (
	"io"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/libp2p/go-msgio"
)

// A frame is one msgio message: a 4 byte big endian length, then the packet id and the payload. The
// length counts the id byte.
const frameHeaderSize = 4

type packet struct {
	id      protocol.PacketID
	payload []byte
}

func newFrameWriter(w io.Writer) msgio.WriteCloser {
	return msgio.NewWriter(w)
}

// newFrameReader returns a reader refusing frames longer than maxPacketSize.
func newFrameReader(r io.Reader, maxPacketSize int) msgio.ReadCloser {
	return msgio.NewReaderSize(r, maxPacketSize)
}

func writeFrame(w msgio.Writer, id protocol.PacketID, payload []byte) error {
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(id)
	copy(msg[1:], payload)

	if err := w.WriteMsg(msg); err != nil {
		return errors.NewNetworkError("failed to write %s frame", id, err)
	}

	return nil
}

// readFrame reads one frame. io.EOF is returned as is when the stream ends between frames.
func readFrame(r msgio.Reader) (packet, error) {
	msg, err := r.ReadMsg()

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return packet{}, io.EOF
	case errors.Is(err, msgio.ErrMsgTooLarge):
		return packet{}, errors.NewMalformedPacketError("frame exceeds packet size limit", err)
	default:
		return packet{}, errors.NewNetworkError("failed to read frame", err)
	}

	if len(msg) == 0 {
		return packet{}, errors.NewMalformedPacketError("empty frame")
	}

	return packet{id: protocol.PacketID(msg[0]), payload: msg[1:]}, nil
}
