package p2p

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrames(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		var buf bytes.Buffer

		w := newFrameWriter(&buf)
		require.NoError(t, writeFrame(w, protocol.NewBlockPacket, []byte("payload")))
		require.NoError(t, writeFrame(w, protocol.StatusPacket, nil))

		assert.Equal(t, uint32(8), binary.BigEndian.Uint32(buf.Bytes()[:frameHeaderSize]))

		r := newFrameReader(&buf, 1024)

		p, err := readFrame(r)
		require.NoError(t, err)
		assert.Equal(t, protocol.NewBlockPacket, p.id)
		assert.Equal(t, []byte("payload"), p.payload)

		p, err = readFrame(r)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusPacket, p.id)
		assert.Empty(t, p.payload)

		_, err = readFrame(r)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("oversized", func(t *testing.T) {
		var buf bytes.Buffer

		require.NoError(t, writeFrame(newFrameWriter(&buf), protocol.BlockBodiesPacket, make([]byte, 64)))

		_, err := readFrame(newFrameReader(&buf, 32))
		assert.True(t, errors.Is(err, errors.ErrMalformedPacket))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := readFrame(newFrameReader(bytes.NewReader([]byte{0, 0, 0, 0}), 32))
		assert.True(t, errors.Is(err, errors.ErrMalformedPacket))
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := readFrame(newFrameReader(bytes.NewReader([]byte{0, 0, 0, 9, 1, 2}), 32))
		assert.True(t, errors.Is(err, errors.ErrNetworkError))

		_, err = readFrame(newFrameReader(bytes.NewReader([]byte{0, 0}), 32))
		assert.True(t, errors.Is(err, errors.ErrNetworkError))
	})
}
