// Package p2p carries sync packets between peers over libp2p streams.
//
// Every connected peer gets one session. Outbound packets are queued and written by the session's writer
// goroutine on a single outbound stream; inbound streams opened by the peer are read frame by frame, rate
// limited per peer, and delivered to the chainsync host.
package p2p

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/services/chainsync"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/blocksync/util/servicemanager"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

type peerSession struct {
	*session
	// ready is closed once the host has been told about the peer.
	ready chan struct{}
}

// Server implements chainsync.Transport on top of a P2PNode.
type Server struct {
	logger     ulogger.Logger
	settings   *settings.Settings
	protocolID libp2pprotocol.ID

	mu        sync.RWMutex
	node      *P2PNode
	chainHost chainsync.Host
	ctx       context.Context
	sessions  map[chainsync.PeerID]*peerSession
	running   *atomic.Bool
}

func NewServer(logger ulogger.Logger, tSettings *settings.Settings) *Server {
	initPrometheusMetrics()

	return &Server{
		logger:     logger.New("p2p"),
		settings:   tSettings,
		protocolID: libp2pprotocol.ID(tSettings.P2P.ProtocolID),
		ctx:        context.Background(),
		sessions:   make(map[chainsync.PeerID]*peerSession),
		running:    atomic.NewBool(false),
	}
}

// SetHost sets the receiver of connection events and packets. It must be called before Start.
func (s *Server) SetHost(chainHost chainsync.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chainHost = chainHost
}

func (s *Server) Health(_ context.Context, checkLiveness bool) (int, string, error) {
	if checkLiveness {
		return http.StatusOK, "OK", nil
	}

	if !s.running.Load() {
		return http.StatusServiceUnavailable, "p2p not started", nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return http.StatusOK, fmt.Sprintf("%d peers connected", len(s.sessions)), nil
}

func (s *Server) Init(_ context.Context) error {
	if s.protocolID == "" {
		return errors.NewConfigurationError("[P2P] p2p_protocolId is not set")
	}

	if s.settings.P2P.MaxPacketSize <= 0 {
		return errors.NewConfigurationError("[P2P] p2p_maxPacketSize must be positive, got %d", s.settings.P2P.MaxPacketSize)
	}

	if s.settings.P2P.InboundRateLimit <= 0 {
		return errors.NewConfigurationError("[P2P] p2p_inboundRateLimit must be positive, got %v", s.settings.P2P.InboundRateLimit)
	}

	return nil
}

// Start creates the libp2p host and serves peers until ctx is cancelled.
func (s *Server) Start(ctx context.Context, readyCh chan<- struct{}) error {
	s.mu.RLock()
	chainHost := s.chainHost
	s.mu.RUnlock()

	if chainHost == nil {
		return errors.NewServiceNotStartedError("[P2P] no host set")
	}

	node, err := NewP2PNode(s.logger, s.settings)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.node = node
	s.ctx = ctx
	s.mu.Unlock()

	node.host.SetStreamHandler(s.protocolID, s.streamHandler)
	node.host.Network().Notify(&network.NotifyBundle{
		ConnectedF:    s.onConnected,
		DisconnectedF: s.onDisconnected,
	})

	node.startStaticPeerConnector(ctx, s.settings.P2P.StaticPeers)

	for _, addr := range node.Addresses() {
		servicemanager.AddListenerInfo(fmt.Sprintf("P2P listening on %s", addr))
	}

	s.running.Store(true)

	if readyCh != nil {
		close(readyCh)
	}

	<-ctx.Done()

	return s.Stop(context.Background())
}

func (s *Server) Stop(_ context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	node := s.node

	for id, sess := range s.sessions {
		sess.close()
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	prometheusP2PPeers.Set(0)

	node.host.RemoveStreamHandler(s.protocolID)

	return node.Close()
}

// Addresses returns the dialable addresses of the node, empty before Start.
func (s *Server) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.node == nil {
		return nil
	}

	return s.node.Addresses()
}

// PeerID returns the identifier peers of this node see it as.
func (s *Server) PeerID() chainsync.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.node == nil {
		return ""
	}

	return chainsync.PeerID(s.node.HostID().String())
}

// Connect dials a peer given its full multiaddr.
func (s *Server) Connect(ctx context.Context, peerAddr string) error {
	s.mu.RLock()
	node := s.node
	s.mu.RUnlock()

	if node == nil {
		return errors.NewServiceNotStartedError("[P2P] not started")
	}

	return node.Connect(ctx, peerAddr)
}

func (s *Server) Send(peerID chainsync.PeerID, id protocol.PacketID, payload []byte) error {
	s.mu.RLock()
	sess, ok := s.sessions[peerID]
	s.mu.RUnlock()

	if !ok {
		return errors.NewNetworkError("[P2P] peer %s is not connected", peerID)
	}

	return sess.enqueue(packet{id: id, payload: payload})
}

// Disconnect closes every connection to the peer in the background. The host is told through the usual
// disconnect notification.
func (s *Server) Disconnect(peerID chainsync.PeerID, reason string) {
	s.mu.RLock()
	node := s.node
	sess, ok := s.sessions[peerID]
	s.mu.RUnlock()

	if node == nil {
		return
	}

	var pid peer.ID

	if ok {
		pid = sess.id
	} else {
		decoded, err := peer.Decode(string(peerID))
		if err != nil {
			s.logger.Warnf("[P2P] cannot disconnect %s: %v", peerID, err)
			return
		}

		pid = decoded
	}

	s.logger.Infof("[P2P][%s] disconnecting: %s", peerID, reason)

	go func() {
		if err := node.host.Network().ClosePeer(pid); err != nil {
			s.logger.Debugf("[P2P][%s] error closing peer: %v", peerID, err)
		}
	}()
}

// openSession returns the session of pid, creating it when missing. The caller that created it must
// announce the peer to the host and close ready.
func (s *Server) openSession(pid peer.ID) (*peerSession, bool) {
	peerID := chainsync.PeerID(pid.String())

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[peerID]; ok {
		return sess, false
	}

	sess := &peerSession{
		session: newSession(s.logger, pid, s.settings.P2P.SendQueueSize, rate.Limit(s.settings.P2P.InboundRateLimit), s.settings.P2P.InboundBurst),
		ready:   make(chan struct{}),
	}

	s.sessions[peerID] = sess
	prometheusP2PPeers.Set(float64(len(s.sessions)))

	go sess.writeLoop(s.ctx, s.openStream(pid), func(err error) {
		s.logger.Warnf("[P2P][%s] %v", peerID, err)
		s.Disconnect(peerID, "write failed")
	})

	return sess, true
}

func (s *Server) openStream(pid peer.ID) func(ctx context.Context) (network.Stream, error) {
	return func(ctx context.Context) (network.Stream, error) {
		s.mu.RLock()
		node := s.node
		s.mu.RUnlock()

		return node.host.NewStream(ctx, pid, s.protocolID)
	}
}

// session returns the session of a connected peer, announcing it to the host first when this is the
// first time the peer is seen.
func (s *Server) session(pid peer.ID) *peerSession {
	sess, created := s.openSession(pid)

	if created {
		s.chainHost.OnPeerConnected(s.ctx, chainsync.PeerID(pid.String()))
		close(sess.ready)
	}

	<-sess.ready

	return sess
}

func (s *Server) onConnected(_ network.Network, conn network.Conn) {
	pid := conn.RemotePeer()

	s.logger.Debugf("[P2P] connected to %s at %s", pid, conn.RemoteMultiaddr())

	s.session(pid)
}

func (s *Server) onDisconnected(n network.Network, conn network.Conn) {
	pid := conn.RemotePeer()

	if n.Connectedness(pid) == network.Connected {
		return
	}

	peerID := chainsync.PeerID(pid.String())

	s.mu.Lock()
	sess, ok := s.sessions[peerID]
	if ok {
		delete(s.sessions, peerID)
		prometheusP2PPeers.Set(float64(len(s.sessions)))
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	sess.close()
	<-sess.ready

	s.logger.Debugf("[P2P] disconnected from %s", pid)

	s.chainHost.OnPeerDisconnected(s.ctx, peerID)
}

func (s *Server) streamHandler(stream network.Stream) {
	pid := stream.Conn().RemotePeer()
	peerID := chainsync.PeerID(pid.String())

	if s.node.host.Network().Connectedness(pid) != network.Connected {
		_ = stream.Reset()
		return
	}

	sess := s.session(pid)
	frames := newFrameReader(stream, s.settings.P2P.MaxPacketSize)

	for {
		p, err := readFrame(frames)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				_ = stream.Close()
			case errors.Is(err, errors.ErrMalformedPacket):
				prometheusP2PPacketsDropped.WithLabelValues("malformed_frame").Inc()
				s.logger.Warnf("[P2P][%s] %v", peerID, err)

				_ = stream.Reset()

				s.Disconnect(peerID, "malformed frame")
			default:
				s.logger.Debugf("[P2P][%s] stream closed: %v", peerID, err)

				_ = stream.Reset()
			}

			return
		}

		if err = sess.wait(s.ctx); err != nil {
			_ = stream.Reset()
			return
		}

		select {
		case <-sess.done:
			_ = stream.Reset()
			return
		default:
		}

		prometheusP2PPacketsReceived.WithLabelValues(p.id.String()).Inc()
		prometheusP2PBytesReceived.Add(float64(frameHeaderSize + 1 + len(p.payload)))

		s.chainHost.OnPacket(s.ctx, peerID, p.id, p.payload)
	}
}
