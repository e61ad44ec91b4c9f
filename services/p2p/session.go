package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"golang.org/x/time/rate"
)

const streamOpenTimeout = 10 * time.Second

// session is the per peer state of a connected peer: the outbound queue drained by one writer goroutine and
// the limiter shared by every inbound stream of the peer.
type session struct {
	id        peer.ID
	logger    ulogger.Logger
	queue     chan packet
	limiter   *rate.Limiter
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(logger ulogger.Logger, id peer.ID, queueSize int, limit rate.Limit, burst int) *session {
	if queueSize <= 0 {
		queueSize = 1
	}

	if burst <= 0 {
		burst = 1
	}

	return &session{
		id:      id,
		logger:  logger,
		queue:   make(chan packet, queueSize),
		limiter: rate.NewLimiter(limit, burst),
		done:    make(chan struct{}),
	}
}

// enqueue never blocks. A full queue means the peer is not reading.
func (s *session) enqueue(p packet) error {
	select {
	case <-s.done:
		return errors.NewNetworkError("peer %s is disconnected", s.id)
	default:
	}

	select {
	case s.queue <- p:
		return nil
	default:
		prometheusP2PPacketsDropped.WithLabelValues("send_queue_full").Inc()
		return errors.NewNetworkError("send queue to %s is full", s.id)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// writeLoop opens the outbound stream on the first packet and writes queued packets until the session is
// closed or a write fails. A failed write closes the connection to the peer.
func (s *session) writeLoop(ctx context.Context, open func(ctx context.Context) (network.Stream, error), onFailure func(err error)) {
	var (
		stream network.Stream
		frames msgio.WriteCloser
	)

	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case p := <-s.queue:
			if stream == nil {
				openCtx, cancel := context.WithTimeout(ctx, streamOpenTimeout)
				st, err := open(openCtx)
				cancel()

				if err != nil {
					onFailure(openError(s.id, err))
					return
				}

				stream = st
				frames = newFrameWriter(st)
			}

			if err := writeFrame(frames, p.id, p.payload); err != nil {
				_ = stream.Reset()
				stream = nil
				frames = nil

				onFailure(err)

				return
			}

			prometheusP2PPacketsSent.WithLabelValues(p.id.String()).Inc()
			prometheusP2PBytesSent.Add(float64(frameHeaderSize + 1 + len(p.payload)))
		}
	}
}

func openError(id peer.ID, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.NewNetworkTimeoutError("timed out opening stream to %s", id, err)
	}

	return errors.NewNetworkError("failed to open stream to %s", id, err)
}

// wait blocks until the peer may deliver another packet.
func (s *session) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.NewContextCanceledError("rate limiter wait for %s aborted", s.id, err)
	}

	return nil
}
