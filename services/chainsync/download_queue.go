package chainsync

import (
	"math"
	"sort"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
	"github.com/dolthub/swiss"
	"github.com/holiman/uint256"
)

// maxArenaHint bounds the capacity preallocated for the header arena.
const maxArenaHint = 1 << 16

// HeaderRange is a contiguous run of header numbers [From, From+Count).
type HeaderRange struct {
	From  uint64
	Count uint64
}

func (r HeaderRange) End() uint64 {
	return r.From + r.Count
}

type headerNode struct {
	header      *model.Header
	hash        chainhash.Hash
	body        *model.Body
	td          *uint256.Int
	deliveredBy PeerID
}

// orphanSegment is a validated header run that cannot be linked yet because an earlier range is missing.
type orphanSegment struct {
	headers []*model.Header
	peer    PeerID
}

// HeaderDelivery is the result of DownloadQueue.DeliverHeaders.
type HeaderDelivery struct {
	// Stale is set when the reply does not answer the peer's outstanding request. Nothing changed.
	Stale bool
	// Empty is set when the peer answered with no headers. Its range was returned to the pool.
	Empty bool
	// Linked is the number of headers attached to the chain by this delivery, orphans included.
	Linked int
	// Faulty lists providers of earlier orphan segments that turned out not to link.
	Faulty []PeerID
}

// BodyDelivery is the result of DownloadQueue.DeliverBodies.
type BodyDelivery struct {
	Stale   bool
	Empty   bool
	Matched int
}

// DownloadQueue tracks the header chain and bodies being downloaded above an anchor block that the
// local ledger already has.
//
// Headers are fetched one window at a time. A window is split into ranges that are handed to peers.
// Ranges may arrive in any order; a range that starts right after the linked tip is linked immediately
// and later ranges are kept as orphans until the gap is filled. Linked headers with a non empty body
// root are queued for body download. Blocks become ready for import strictly in order.
type DownloadQueue struct {
	maxHeadersPerRequest uint64
	maxBodiesPerRequest  int
	maxInFlight          int
	windowSize           uint64

	active       bool
	anchorNumber uint64
	anchorHash   chainhash.Hash
	anchorTD     *uint256.Int
	targetNumber uint64

	arena     *swiss.Map[chainhash.Hash, *headerNode]
	canonical map[uint64]chainhash.Hash
	linkedTip uint64
	readyTip  uint64
	windowEnd uint64

	pendingRanges  []HeaderRange
	headerRequests map[PeerID]HeaderRange
	orphans        map[uint64]*orphanSegment

	bodyQueue    []chainhash.Hash
	bodyRequests map[PeerID][]chainhash.Hash
	// releasedBodies is the last body request taken back from each peer, to recognise late replies.
	releasedBodies map[PeerID][]chainhash.Hash
}

func NewDownloadQueue(maxHeadersPerRequest, maxBodiesPerRequest, maxInFlight, windowSize int) *DownloadQueue {
	if maxBodiesPerRequest < 1 {
		maxBodiesPerRequest = 1
	}

	if maxInFlight < 1 {
		maxInFlight = 1
	}

	headers := atLeastOne(maxHeadersPerRequest)

	q := &DownloadQueue{
		maxHeadersPerRequest: headers,
		maxBodiesPerRequest:  maxBodiesPerRequest,
		maxInFlight:          maxInFlight,
		windowSize:           max(atLeastOne(windowSize), headers),
	}

	q.Clear()

	return q
}

// Reset starts a new download above the given anchor towards targetNumber.
func (q *DownloadQueue) Reset(anchorNumber uint64, anchorHash chainhash.Hash, anchorTD *uint256.Int, targetNumber uint64) {
	q.Clear()

	q.active = true
	q.anchorNumber = anchorNumber
	q.anchorHash = anchorHash
	q.anchorTD = anchorTD.Clone()
	q.targetNumber = targetNumber
	q.linkedTip = anchorNumber
	q.readyTip = anchorNumber
	q.windowEnd = anchorNumber
}

// Clear drops all state, in flight requests included.
func (q *DownloadQueue) Clear() {
	q.active = false
	q.anchorNumber = 0
	q.anchorHash = chainhash.Hash{}
	q.anchorTD = uint256.NewInt(0)
	q.targetNumber = 0
	hint, err := safeconversion.Uint64ToUint32(q.windowSize)
	if err != nil || hint > maxArenaHint {
		hint = maxArenaHint
	}

	q.arena = swiss.NewMap[chainhash.Hash, *headerNode](hint)
	q.canonical = make(map[uint64]chainhash.Hash)
	q.linkedTip = 0
	q.readyTip = 0
	q.windowEnd = 0
	q.pendingRanges = nil
	q.headerRequests = make(map[PeerID]HeaderRange)
	q.orphans = make(map[uint64]*orphanSegment)
	q.bodyQueue = nil
	q.bodyRequests = make(map[PeerID][]chainhash.Hash)
	q.releasedBodies = make(map[PeerID][]chainhash.Hash)
}

func (q *DownloadQueue) Active() bool {
	return q.active
}

func (q *DownloadQueue) Anchor() (uint64, chainhash.Hash, *uint256.Int) {
	return q.anchorNumber, q.anchorHash, q.anchorTD
}

func (q *DownloadQueue) Target() uint64 {
	return q.targetNumber
}

// ExtendTarget raises the target number. It never lowers it.
func (q *DownloadQueue) ExtendTarget(number uint64) {
	if number > q.targetNumber {
		q.targetNumber = number
	}
}

func (q *DownloadQueue) LinkedTip() uint64 {
	return q.linkedTip
}

func (q *DownloadQueue) ReadyTip() uint64 {
	return q.readyTip
}

// MoreHeaders reports whether headers below the target are still unknown.
func (q *DownloadQueue) MoreHeaders() bool {
	return q.linkedTip < q.targetNumber
}

// ScheduleHeaderWindow opens the next header window once the previous one is linked. It returns false
// when a window is still open or the target was reached.
func (q *DownloadQueue) ScheduleHeaderWindow() bool {
	if !q.active || q.windowEnd > q.linkedTip || q.linkedTip >= q.targetNumber {
		return false
	}

	q.windowEnd = q.linkedTip + q.windowSize
	if q.windowEnd > q.targetNumber {
		q.windowEnd = q.targetNumber
	}

	for from := q.linkedTip + 1; from <= q.windowEnd; from += q.maxHeadersPerRequest {
		count := q.maxHeadersPerRequest
		if from+count-1 > q.windowEnd {
			count = q.windowEnd - from + 1
		}

		q.addPendingRange(HeaderRange{From: from, Count: count})
	}

	return true
}

// HeaderWindowComplete reports whether every header of the open window is linked and nothing is in
// flight.
func (q *DownloadQueue) HeaderWindowComplete() bool {
	return q.active && q.linkedTip >= q.windowEnd && len(q.pendingRanges) == 0 && len(q.headerRequests) == 0
}

func (q *DownloadQueue) InFlight() int {
	return len(q.headerRequests) + len(q.bodyRequests)
}

// NextHeaderRequest assigns the lowest unrequested range to peer.
func (q *DownloadQueue) NextHeaderRequest(peer PeerID) (HeaderRange, bool) {
	if len(q.pendingRanges) == 0 || len(q.headerRequests) >= q.maxInFlight {
		return HeaderRange{}, false
	}

	if _, busy := q.headerRequests[peer]; busy {
		return HeaderRange{}, false
	}

	rng := q.pendingRanges[0]
	q.pendingRanges = q.pendingRanges[1:]
	q.headerRequests[peer] = rng

	return rng, true
}

// DeliverHeaders validates a header reply from peer. Replies whose first number differs from the
// outstanding request are stale and ignored, so redelivery is harmless. Any violation discards the whole
// batch and returns the range to the pool.
func (q *DownloadQueue) DeliverHeaders(peer PeerID, headers []*model.Header) (*HeaderDelivery, error) {
	rng, ok := q.headerRequests[peer]
	if !ok {
		return &HeaderDelivery{Stale: true}, nil
	}

	if len(headers) == 0 {
		delete(q.headerRequests, peer)
		q.addPendingRange(rng)

		return &HeaderDelivery{Empty: true}, nil
	}

	if headers[0].Number != rng.From {
		return &HeaderDelivery{Stale: true}, nil
	}

	delete(q.headerRequests, peer)

	if err := q.validateBatch(rng, headers); err != nil {
		q.addPendingRange(rng)
		return nil, errors.NewProtocolViolationError("[DownloadQueue][%s] rejected headers %d-%d", peer, rng.From, rng.End()-1, err)
	}

	if uint64(len(headers)) < rng.Count {
		q.addPendingRange(HeaderRange{From: rng.From + uint64(len(headers)), Count: rng.Count - uint64(len(headers))})
	}

	delivery := &HeaderDelivery{}
	segment := &orphanSegment{headers: headers, peer: peer}

	switch {
	case rng.From == q.linkedTip+1:
		if err := q.linkSegment(segment); err != nil {
			q.addPendingRange(HeaderRange{From: rng.From, Count: uint64(len(headers))})
			return nil, errors.NewProtocolViolationError("[DownloadQueue][%s] headers from %d do not link", peer, rng.From, err)
		}

		delivery.Linked += len(headers)
		delivery.Linked += q.linkOrphans(delivery)

	case rng.From > q.linkedTip+1:
		q.orphans[rng.From] = segment
	}

	return delivery, nil
}

func (q *DownloadQueue) validateBatch(rng HeaderRange, headers []*model.Header) error {
	if uint64(len(headers)) > rng.Count {
		return errors.NewInvalidArgumentError("got %d headers, asked for %d", len(headers), rng.Count)
	}

	for i, header := range headers {
		if header.Number != rng.From+uint64(i) {
			return errors.NewInvalidArgumentError("header %d out of sequence, expected %d", header.Number, rng.From+uint64(i))
		}

		if i > 0 {
			if err := header.ValidateLink(headers[i-1]); err != nil {
				return err
			}
		}
	}

	return nil
}

// linkOrphans attaches orphan segments that now follow the linked tip. Segments that fail to link are
// returned to the pool and their providers reported in delivery.Faulty.
func (q *DownloadQueue) linkOrphans(delivery *HeaderDelivery) int {
	linked := 0

	for {
		segment, ok := q.orphans[q.linkedTip+1]
		if !ok {
			return linked
		}

		delete(q.orphans, q.linkedTip+1)

		if err := q.linkSegment(segment); err != nil {
			q.addPendingRange(HeaderRange{From: segment.headers[0].Number, Count: uint64(len(segment.headers))})
			delivery.Faulty = append(delivery.Faulty, segment.peer)

			return linked
		}

		linked += len(segment.headers)
	}
}

func (q *DownloadQueue) linkSegment(segment *orphanSegment) error {
	parentHash := q.anchorHash
	parentTD := q.anchorTD

	if q.linkedTip > q.anchorNumber {
		parent := q.node(q.canonical[q.linkedTip])
		parentHash = parent.hash
		parentTD = parent.td
	}

	if segment.headers[0].ParentHash != parentHash {
		return errors.NewInvalidArgumentError("header %d has parent %s, expected %s", segment.headers[0].Number, segment.headers[0].ParentHash, parentHash)
	}

	for _, header := range segment.headers {
		node := &headerNode{
			header:      header,
			hash:        header.Hash(),
			td:          new(uint256.Int).Add(parentTD, header.DifficultyOrZero()),
			deliveredBy: segment.peer,
		}

		if header.TxRoot == model.EmptyBodyHash {
			node.body = &model.Body{}
		} else {
			q.bodyQueue = append(q.bodyQueue, node.hash)
		}

		q.arena.Put(node.hash, node)
		q.canonical[header.Number] = node.hash
		q.linkedTip = header.Number
		parentTD = node.td
	}

	q.promoteReady()

	return nil
}

func (q *DownloadQueue) promoteReady() {
	for {
		hash, ok := q.canonical[q.readyTip+1]
		if !ok {
			return
		}

		if node := q.node(hash); node == nil || node.body == nil {
			return
		}

		q.readyTip++
	}
}

func (q *DownloadQueue) node(hash chainhash.Hash) *headerNode {
	node, ok := q.arena.Get(hash)
	if !ok {
		return nil
	}

	return node
}

func (q *DownloadQueue) addPendingRange(rng HeaderRange) {
	if rng.Count == 0 {
		return
	}

	idx := sort.Search(len(q.pendingRanges), func(i int) bool { return q.pendingRanges[i].From >= rng.From })
	q.pendingRanges = append(q.pendingRanges, HeaderRange{})
	copy(q.pendingRanges[idx+1:], q.pendingRanges[idx:])
	q.pendingRanges[idx] = rng
}

// BodiesPending reports whether linked headers still wait for a body.
func (q *DownloadQueue) BodiesPending() bool {
	return len(q.bodyQueue) > 0 || len(q.bodyRequests) > 0
}

// BodiesComplete reports whether every linked header has its body.
func (q *DownloadQueue) BodiesComplete() bool {
	return !q.BodiesPending() && q.readyTip == q.linkedTip
}

// NextBodyRequest assigns the lowest unrequested bodies to peer.
func (q *DownloadQueue) NextBodyRequest(peer PeerID) ([]chainhash.Hash, bool) {
	if len(q.bodyQueue) == 0 || len(q.bodyRequests) >= q.maxInFlight {
		return nil, false
	}

	if _, busy := q.bodyRequests[peer]; busy {
		return nil, false
	}

	n := q.maxBodiesPerRequest
	if n > len(q.bodyQueue) {
		n = len(q.bodyQueue)
	}

	hashes := append([]chainhash.Hash(nil), q.bodyQueue[:n]...)
	q.bodyQueue = q.bodyQueue[n:]
	q.bodyRequests[peer] = hashes

	return hashes, true
}

// DeliverBodies matches a body reply against the outstanding request of peer. Bodies are matched by
// root, in request order; peers may skip bodies they do not have. Hashes left without a body return to
// the pool. A body that matches no requested header is a violation and discards the batch, unless the
// reply answers the request that was taken back from the peer earlier: such a late reply is stale, its
// bodies fill headers still waiting in the pool and the outstanding request is kept.
func (q *DownloadQueue) DeliverBodies(peer PeerID, bodies []*model.Body) (*BodyDelivery, error) {
	hashes, ok := q.bodyRequests[peer]
	if !ok {
		return &BodyDelivery{Stale: true}, nil
	}

	if len(bodies) == 0 {
		delete(q.bodyRequests, peer)
		q.requeueBodies(hashes)

		return &BodyDelivery{Empty: true}, nil
	}

	matches, unmatched := q.matchBodies(hashes, bodies)
	if unmatched >= 0 {
		if released, late := q.releasedBodies[peer]; late {
			if lateMatches, lateUnmatched := q.matchBodies(released, bodies); lateUnmatched < 0 {
				q.fillReleased(released, lateMatches, bodies)
				return &BodyDelivery{Stale: true}, nil
			}
		}

		delete(q.bodyRequests, peer)
		q.requeueBodies(hashes)

		return nil, errors.NewProtocolViolationError("[DownloadQueue][%s] body %d with root %s matches no requested header", peer, unmatched, bodies[unmatched].Root())
	}

	delete(q.bodyRequests, peer)
	delete(q.releasedBodies, peer)

	filled := make(map[int]struct{}, len(bodies))

	for i, body := range bodies {
		q.node(hashes[matches[i]]).body = body
		filled[matches[i]] = struct{}{}
	}

	var missing []chainhash.Hash

	for i, hash := range hashes {
		if _, ok := filled[i]; !ok {
			missing = append(missing, hash)
		}
	}

	q.requeueBodies(missing)
	q.promoteReady()

	return &BodyDelivery{Matched: len(bodies)}, nil
}

// matchBodies pairs every body with a requested hash of the same root, in order. It returns the index of
// the first body without a match, or -1.
func (q *DownloadQueue) matchBodies(hashes []chainhash.Hash, bodies []*model.Body) ([]int, int) {
	matches := make([]int, len(bodies))
	idx := 0

	for i, body := range bodies {
		root := body.Root()

		for idx < len(hashes) {
			if node := q.node(hashes[idx]); node != nil && node.header.TxRoot == root {
				break
			}

			idx++
		}

		if idx == len(hashes) {
			return nil, i
		}

		matches[i] = idx
		idx++
	}

	return matches, -1
}

// fillReleased stores the bodies of a late reply for headers that are still waiting in the pool.
func (q *DownloadQueue) fillReleased(released []chainhash.Hash, matches []int, bodies []*model.Body) {
	filled := make(map[chainhash.Hash]struct{}, len(bodies))

	for i, body := range bodies {
		hash := released[matches[i]]

		if node := q.node(hash); node != nil && node.body == nil && q.queued(hash) {
			node.body = body
			filled[hash] = struct{}{}
		}
	}

	if len(filled) == 0 {
		return
	}

	kept := q.bodyQueue[:0]

	for _, hash := range q.bodyQueue {
		if _, ok := filled[hash]; !ok {
			kept = append(kept, hash)
		}
	}

	q.bodyQueue = kept
	q.promoteReady()
}

func (q *DownloadQueue) queued(hash chainhash.Hash) bool {
	for _, queued := range q.bodyQueue {
		if queued == hash {
			return true
		}
	}

	return false
}

func (q *DownloadQueue) requeueBodies(hashes []chainhash.Hash) {
	if len(hashes) == 0 {
		return
	}

	q.bodyQueue = append(q.bodyQueue, hashes...)
	sort.Slice(q.bodyQueue, func(i, j int) bool {
		return q.node(q.bodyQueue[i]).header.Number < q.node(q.bodyQueue[j]).header.Number
	})
}

// Release returns the in flight work of peer to the pool.
func (q *DownloadQueue) Release(peer PeerID) {
	if rng, ok := q.headerRequests[peer]; ok {
		delete(q.headerRequests, peer)
		q.addPendingRange(rng)
	}

	if hashes, ok := q.bodyRequests[peer]; ok {
		delete(q.bodyRequests, peer)
		q.releasedBodies[peer] = hashes
		q.requeueBodies(hashes)
	}
}

// HasWork reports whether peer has a request assigned by the queue.
func (q *DownloadQueue) HasWork(peer PeerID) bool {
	_, headers := q.headerRequests[peer]
	_, bodies := q.bodyRequests[peer]

	return headers || bodies
}

func (q *DownloadQueue) ReadyCount() int {
	n, err := safeconversion.Uint64ToInt(q.readyTip - q.anchorNumber)
	if err != nil {
		return math.MaxInt
	}

	return n
}

// ReadyTD is the total difficulty of the chain ending at the ready tip.
func (q *DownloadQueue) ReadyTD() *uint256.Int {
	if q.readyTip == q.anchorNumber {
		return q.anchorTD
	}

	return q.node(q.canonical[q.readyTip]).td
}

// ReadyBlocks returns the complete blocks above the anchor, in order.
func (q *DownloadQueue) ReadyBlocks() []*model.Block {
	blocks := make([]*model.Block, 0, q.readyTip-q.anchorNumber)

	for n := q.anchorNumber + 1; n <= q.readyTip; n++ {
		node := q.node(q.canonical[n])
		blocks = append(blocks, model.NewBlock(node.header, node.body))
	}

	return blocks
}

// DeliveredBy returns the peer that supplied the header of hash.
func (q *DownloadQueue) DeliveredBy(hash chainhash.Hash) (PeerID, bool) {
	node := q.node(hash)
	if node == nil {
		return "", false
	}

	return node.deliveredBy, true
}

// Rebase moves the anchor to the ready tip once the ready blocks were imported.
func (q *DownloadQueue) Rebase() {
	if q.readyTip == q.anchorNumber {
		return
	}

	tip := q.node(q.canonical[q.readyTip])

	for n := q.anchorNumber + 1; n <= q.readyTip; n++ {
		q.arena.Delete(q.canonical[n])
		delete(q.canonical, n)
	}

	q.anchorNumber = tip.header.Number
	q.anchorHash = tip.hash
	q.anchorTD = tip.td
}

func atLeastOne(v int) uint64 {
	n, err := safeconversion.IntToUint64(v)
	if err != nil || n == 0 {
		return 1
	}

	return n
}
