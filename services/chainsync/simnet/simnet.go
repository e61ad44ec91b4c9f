// Package simnet runs several chainsync drivers against each other over an in-memory, single threaded
// network with a manual clock. Packets are queued and delivered one at a time in send order, which makes
// every run reproducible.
package simnet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/services/chainsync"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/stores/ledger/memory"
	"github.com/bsv-blockchain/blocksync/ulogger"
)

// DefaultMaxEvents bounds Run so that a livelock fails a test instead of hanging it.
const DefaultMaxEvents = 1_000_000

// Clock is a manual clock shared by every node of a TestNet.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// Delivery is a packet that reached its destination.
type Delivery struct {
	From chainsync.PeerID
	To   chainsync.PeerID
	ID   protocol.PacketID
}

type event struct {
	from, to   chainsync.PeerID
	id         protocol.PacketID
	payload    []byte
	disconnect bool
	reason     string
}

// Node is one simulated peer.
type Node struct {
	ID     chainsync.PeerID
	Ledger *memory.Memory
	Driver *chainsync.Driver

	net   *TestNet
	muted bool
}

// Best returns the node's best block.
func (n *Node) Best() *model.BlockInfo {
	best, _ := n.Ledger.BestBlock(context.Background())
	return best
}

// Mine imports blocks directly into the node's ledger and announces them, as a block producer would.
func (n *Node) Mine(blocks ...*model.Block) error {
	ctx := context.Background()

	for _, block := range blocks {
		result, err := n.Ledger.Import(ctx, block)
		if err != nil {
			return err
		}

		if result.Status != model.ImportStatusImported {
			return errors.NewBlockInvalidError("block %s not imported: %s %s", block.Hash(), result.Status, result.Reason)
		}

		if err = n.Driver.OnLocalBlocks(ctx, block.Hash()); err != nil {
			return err
		}
	}

	return nil
}

type nodeTransport struct {
	net  *TestNet
	from chainsync.PeerID
}

func (t *nodeTransport) Send(peerID chainsync.PeerID, id protocol.PacketID, payload []byte) error {
	if !t.net.linked(t.from, peerID) {
		return errors.NewNetworkError("%s is not connected to %s", t.from, peerID)
	}

	t.net.queue = append(t.net.queue, event{from: t.from, to: peerID, id: id, payload: payload})

	return nil
}

func (t *nodeTransport) Disconnect(peerID chainsync.PeerID, reason string) {
	t.net.queue = append(t.net.queue, event{from: t.from, to: peerID, disconnect: true, reason: reason})
}

// TestNet is not safe for concurrent use.
type TestNet struct {
	logger    ulogger.Logger
	settings  *settings.Settings
	genesis   *model.Block
	clock     *Clock
	nodes     map[chainsync.PeerID]*Node
	links     map[[2]chainsync.PeerID]struct{}
	queue     []event
	delivered []Delivery
	maxEvents int
}

func New(logger ulogger.Logger, tSettings *settings.Settings) *TestNet {
	return &TestNet{
		logger:    logger,
		settings:  tSettings,
		genesis:   model.NewGenesis(tSettings.Sync.NetworkID),
		clock:     NewClock(time.Unix(1_700_000_000, 0)),
		nodes:     make(map[chainsync.PeerID]*Node),
		links:     make(map[[2]chainsync.PeerID]struct{}),
		maxEvents: DefaultMaxEvents,
	}
}

func (net *TestNet) Genesis() *model.Block {
	return net.genesis
}

func (net *TestNet) Clock() *Clock {
	return net.clock
}

// AddNode creates a node whose ledger holds blocks on top of the network genesis.
func (net *TestNet) AddNode(id chainsync.PeerID, blocks []*model.Block) (*Node, error) {
	if _, exists := net.nodes[id]; exists {
		return nil, errors.NewInvalidArgumentError("node %s already exists", id)
	}

	ledger := memory.New(net.logger, net.genesis)

	for _, block := range blocks {
		result, err := ledger.Import(context.Background(), block)
		if err != nil {
			return nil, err
		}

		if result.Status != model.ImportStatusImported {
			return nil, errors.NewBlockInvalidError("node %s: block %s not imported: %s", id, block.Hash(), result.Reason)
		}
	}

	node := &Node{ID: id, Ledger: ledger, net: net}
	node.Driver = net.newDriver(node)
	net.nodes[id] = node

	return node, nil
}

func (net *TestNet) newDriver(node *Node) *chainsync.Driver {
	logger := net.logger.New(string(node.ID))
	engine := chainsync.New(logger, net.settings, node.Ledger, &nodeTransport{net: net, from: node.ID}, chainsync.WithClock(net.clock.Now))

	return chainsync.NewDriver(logger, engine)
}

func (net *TestNet) Node(id chainsync.PeerID) *Node {
	return net.nodes[id]
}

// Nodes returns all nodes ordered by id.
func (net *TestNet) Nodes() []*Node {
	nodes := make([]*Node, 0, len(net.nodes))
	for _, node := range net.nodes {
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return nodes
}

func linkKey(a, b chainsync.PeerID) [2]chainsync.PeerID {
	if b < a {
		a, b = b, a
	}

	return [2]chainsync.PeerID{a, b}
}

func (net *TestNet) linked(a, b chainsync.PeerID) bool {
	_, ok := net.links[linkKey(a, b)]
	return ok
}

// Connect links two nodes. Both sides are told about the connection, a first and b second.
func (net *TestNet) Connect(a, b chainsync.PeerID) error {
	na, nb := net.nodes[a], net.nodes[b]
	if na == nil || nb == nil || a == b {
		return errors.NewInvalidArgumentError("cannot connect %s to %s", a, b)
	}

	if net.linked(a, b) {
		return nil
	}

	net.links[linkKey(a, b)] = struct{}{}

	ctx := context.Background()
	na.Driver.OnPeerConnected(ctx, b)
	nb.Driver.OnPeerConnected(ctx, a)

	return nil
}

// ConnectAll links every pair of nodes.
func (net *TestNet) ConnectAll() error {
	nodes := net.Nodes()

	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			if err := net.Connect(nodes[i].ID, nodes[j].ID); err != nil {
				return err
			}
		}
	}

	return nil
}

// Disconnect drops the link between a and b. Packets still queued on it are lost.
func (net *TestNet) Disconnect(a, b chainsync.PeerID) {
	if !net.linked(a, b) {
		return
	}

	delete(net.links, linkKey(a, b))

	ctx := context.Background()
	net.nodes[a].Driver.OnPeerDisconnected(ctx, b)
	net.nodes[b].Driver.OnPeerDisconnected(ctx, a)
}

// Mute makes a node drop every packet it receives, as an unresponsive peer would.
func (net *TestNet) Mute(id chainsync.PeerID, muted bool) {
	if node := net.nodes[id]; node != nil {
		node.muted = muted
	}
}

// Restart disconnects a node and replaces its engine with a fresh one on the same ledger.
func (net *TestNet) Restart(id chainsync.PeerID) error {
	node := net.nodes[id]
	if node == nil {
		return errors.NewInvalidArgumentError("unknown node %s", id)
	}

	for _, other := range net.Nodes() {
		net.Disconnect(id, other.ID)
	}

	if err := node.Driver.Stop(context.Background()); err != nil {
		return err
	}

	node.Driver = net.newDriver(node)

	return nil
}

// Delivered returns every packet delivered so far, in delivery order.
func (net *TestNet) Delivered() []Delivery {
	return append([]Delivery(nil), net.delivered...)
}

// Pending returns the number of queued events.
func (net *TestNet) Pending() int {
	return len(net.queue)
}

// Step delivers the oldest queued event. It returns false when the queue is empty.
func (net *TestNet) Step() bool {
	if len(net.queue) == 0 {
		return false
	}

	ev := net.queue[0]
	net.queue = net.queue[1:]

	if ev.disconnect {
		net.logger.Debugf("[TestNet] %s drops %s: %s", ev.from, ev.to, ev.reason)
		net.Disconnect(ev.from, ev.to)

		return true
	}

	to := net.nodes[ev.to]
	if to == nil || to.muted || !net.linked(ev.from, ev.to) {
		return true
	}

	net.delivered = append(net.delivered, Delivery{From: ev.from, To: ev.to, ID: ev.id})
	to.Driver.OnPacket(context.Background(), ev.from, ev.id, ev.payload)

	return true
}

// Run delivers queued events until the network is quiet.
func (net *TestNet) Run() error {
	for i := 0; net.Step(); i++ {
		if i >= net.maxEvents {
			return errors.NewProcessingError("network still busy after %d events", net.maxEvents)
		}
	}

	return nil
}

// Tick advances the clock by d and ticks every node, then runs the network until it is quiet.
func (net *TestNet) Tick(d time.Duration) error {
	net.clock.Advance(d)

	for _, node := range net.Nodes() {
		node.Driver.OnTick(context.Background())
	}

	return net.Run()
}

// RunFor ticks the network every interval until total has elapsed or every node satisfies done.
func (net *TestNet) RunFor(total, interval time.Duration, done func(*TestNet) bool) error {
	if err := net.Run(); err != nil {
		return err
	}

	for elapsed := time.Duration(0); elapsed < total; elapsed += interval {
		if done != nil && done(net) {
			return nil
		}

		if err := net.Tick(interval); err != nil {
			return err
		}
	}

	return nil
}

// Converged reports whether every node has the same best block.
func (net *TestNet) Converged() bool {
	nodes := net.Nodes()
	if len(nodes) == 0 {
		return true
	}

	best := nodes[0].Best()

	for _, node := range nodes[1:] {
		if node.Best().Hash != best.Hash {
			return false
		}
	}

	return true
}
