package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/blocksync/util/retry"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const (
	staticPeerRecheckInterval   = 30 * time.Second
	staticPeerReconnectInterval = 5 * time.Second
)

// P2PNode owns the libp2p host: its identity, its listen addresses and the static peers it keeps dialling.
type P2PNode struct {
	logger   ulogger.Logger
	settings *settings.Settings
	host     host.Host
}

func NewP2PNode(logger ulogger.Logger, tSettings *settings.Settings) (*P2PNode, error) {
	initPrometheusMetrics()

	pk, err := privateKey(logger, tSettings.P2P.PrivateKey)
	if err != nil {
		return nil, err
	}

	listenAddresses := make([]string, 0, len(tSettings.P2P.ListenAddresses))
	for _, ip := range tSettings.P2P.ListenAddresses {
		listenAddresses = append(listenAddresses, fmt.Sprintf("/ip4/%s/tcp/%d", ip, tSettings.P2P.Port))
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listenAddresses...),
		libp2p.Identity(pk),
	)
	if err != nil {
		return nil, errors.NewServiceError("[P2PNode] error creating libp2p host", err)
	}

	logger.Infof("[P2PNode] peer ID: %s", h.ID())

	for _, addr := range h.Addrs() {
		logger.Infof("[P2PNode] listening on %s/p2p/%s", addr, h.ID())
	}

	return &P2PNode{
		logger:   logger,
		settings: tSettings,
		host:     h,
	}, nil
}

// privateKey decodes a hex encoded ed25519 key, or generates a new identity when none is configured.
func privateKey(logger ulogger.Logger, hexEncoded string) (crypto.PrivKey, error) {
	if hexEncoded == "" {
		logger.Warnf("[P2PNode] no p2p_privateKey configured, using a new identity")

		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, errors.NewServiceError("[P2PNode] error generating private key", err)
		}

		return priv, nil
	}

	priv, err := decodeHexEd25519PrivateKey(hexEncoded)
	if err != nil {
		return nil, errors.NewConfigurationError("[P2PNode] invalid p2p_privateKey", err)
	}

	return priv, nil
}

func decodeHexEd25519PrivateKey(hexEncodedPrivateKey string) (crypto.PrivKey, error) {
	privKeyBytes, err := hex.DecodeString(hexEncodedPrivateKey)
	if err != nil {
		return nil, err
	}

	return crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
}

func (n *P2PNode) HostID() peer.ID {
	return n.host.ID()
}

// Addresses returns the dialable multiaddrs of this node, including the /p2p/ component.
func (n *P2PNode) Addresses() []string {
	addrs := make([]string, 0, len(n.host.Addrs()))

	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
	}

	return addrs
}

func (n *P2PNode) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// Connect dials a peer given its full multiaddr, retrying with a capped exponential backoff.
func (n *P2PNode) Connect(ctx context.Context, peerAddr string) error {
	maddr, err := multiaddr.NewMultiaddr(peerAddr)
	if err != nil {
		return errors.NewInvalidArgumentError("[P2PNode] invalid peer address %s", peerAddr, err)
	}

	peerInfo, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return errors.NewInvalidArgumentError("[P2PNode] failed to get peerInfo from %s", peerAddr, err)
	}

	if n.host.Network().Connectedness(peerInfo.ID) == network.Connected {
		return nil
	}

	_, err = retry.Retry(ctx, n.logger, func() (struct{}, error) {
		return struct{}{}, n.host.Connect(ctx, *peerInfo)
	},
		retry.WithRetryCount(max(n.settings.P2P.DialRetries, 1)),
		retry.WithExponentialBackoff(),
		retry.WithBackoffDurationType(500*time.Millisecond),
		retry.WithMaxBackoff(10*time.Second),
		retry.WithMessage(fmt.Sprintf("[P2PNode] failed to connect to %s", peerInfo.ID)),
	)
	if err != nil {
		prometheusP2PDialFailures.Inc()
		return errors.NewNetworkError("[P2PNode] failed to connect to %s", peerAddr, err)
	}

	n.logger.Infof("[P2PNode] connected to %s", peerInfo.ID)

	return nil
}

func (n *P2PNode) connectToStaticPeers(ctx context.Context, staticPeers []string) bool {
	allConnected := true

	for _, peerAddr := range staticPeers {
		if err := n.Connect(ctx, peerAddr); err != nil {
			n.logger.Warnf("%v", err)

			allConnected = false
		}
	}

	return allConnected
}

// startStaticPeerConnector keeps the static peers connected until ctx is cancelled.
func (n *P2PNode) startStaticPeerConnector(ctx context.Context, staticPeers []string) {
	if len(staticPeers) == 0 {
		n.logger.Infof("[P2PNode] no static peers to connect to - skipping connection attempt")
		return
	}

	go func() {
		logged := false

		for {
			wait := staticPeerReconnectInterval

			if n.connectToStaticPeers(ctx, staticPeers) {
				if !logged {
					n.logger.Infof("[P2PNode] all static peers connected")
				}

				logged = true
				wait = staticPeerRecheckInterval
			} else {
				logged = false
			}

			select {
			case <-ctx.Done():
				n.logger.Infof("[P2PNode] static peer connector shutting down")
				return
			case <-time.After(wait):
			}
		}
	}()
}

func (n *P2PNode) Close() error {
	if err := n.host.Close(); err != nil {
		return errors.NewServiceError("[P2PNode] error closing libp2p host", err)
	}

	return nil
}
