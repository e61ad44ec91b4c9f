package chainsync

import (
	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/model"
	"github.com/bsv-blockchain/blocksync/services/chainsync/protocol"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
)

type ancestorPhase int

const (
	phaseProbe ancestorPhase = iota
	phaseBisect
	phaseLinear
	phaseDone
)

// isLocalFunc reports whether hash is the canonical local block at number.
type isLocalFunc func(number uint64, hash chainhash.Hash) (bool, error)

// ancestorSearch locates the highest block shared with a peer, no deeper than maxForkAncestry below
// min(local best, peer best).
//
// Single headers are probed at exponentially growing distances below the ceiling until one matches.
// The gap between the last match and the first mismatch is then narrowed by bisection until it fits in
// one request, and finally read as a contiguous range. low is always a matching number (or the floor
// candidate) and high a mismatching one.
type ancestorSearch struct {
	peer      PeerID
	floor     uint64
	ceil      uint64
	maxLinear uint64

	phase  ancestorPhase
	offset uint64
	low    uint64
	high   uint64
	probe  uint64

	forkPoint uint64
}

func newAncestorSearch(peer PeerID, localNumber, peerNumber, maxForkAncestry uint64, maxLinear int) *ancestorSearch {
	ceil := localNumber
	if peerNumber < ceil {
		ceil = peerNumber
	}

	var floor uint64
	if ceil > maxForkAncestry {
		floor = ceil - maxForkAncestry
	}

	linear, err := safeconversion.IntToUint64(maxLinear)
	if err != nil || linear == 0 {
		linear = 1
	}

	s := &ancestorSearch{
		peer:      peer,
		floor:     floor,
		ceil:      ceil,
		maxLinear: linear,
		phase:     phaseProbe,
		high:      ceil + 1,
	}

	if ceil == 0 {
		s.phase = phaseDone
		s.forkPoint = 0
	}

	return s
}

func (s *ancestorSearch) done() bool {
	return s.phase == phaseDone
}

// nextRequest returns the header query for the current step. It is stable until handle is called.
func (s *ancestorSearch) nextRequest() *protocol.GetBlockHeaders {
	switch s.phase {
	case phaseProbe:
		s.probe = s.floor
		if s.offset <= s.ceil-s.floor {
			s.probe = s.ceil - s.offset
		}

		return &protocol.GetBlockHeaders{Origin: protocol.OriginNumber(s.probe), Amount: 1}

	case phaseBisect:
		s.probe = s.low + (s.high-s.low)/2
		return &protocol.GetBlockHeaders{Origin: protocol.OriginNumber(s.probe), Amount: 1}

	case phaseLinear:
		return &protocol.GetBlockHeaders{Origin: protocol.OriginNumber(s.low + 1), Amount: s.high - s.low - 1}

	default:
		return nil
	}
}

// handle consumes the reply to the last request. A reply that does not answer the request is a protocol
// violation, as is a peer that shares no block above the floor.
func (s *ancestorSearch) handle(headers []*model.Header, isLocal isLocalFunc) error {
	switch s.phase {
	case phaseProbe, phaseBisect:
		if len(headers) != 1 || headers[0].Number != s.probe {
			return errors.NewProtocolViolationError("[AncestorSearch][%s] expected header %d, got %d headers", s.peer, s.probe, len(headers))
		}

		match, err := isLocal(s.probe, headers[0].Hash())
		if err != nil {
			return err
		}

		if s.phase == phaseProbe {
			return s.handleProbe(match)
		}

		if match {
			s.low = s.probe
		} else {
			s.high = s.probe
		}

		s.narrow()

		return nil

	case phaseLinear:
		return s.handleLinear(headers, isLocal)

	default:
		return nil
	}
}

func (s *ancestorSearch) handleProbe(match bool) error {
	if match {
		s.low = s.probe
		s.narrow()

		return nil
	}

	s.high = s.probe

	if s.probe == s.floor {
		return errors.NewProtocolViolationError("[AncestorSearch][%s] no common block at or above %d", s.peer, s.floor)
	}

	if s.offset == 0 {
		s.offset = 1
	} else {
		s.offset *= 2
	}

	return nil
}

// narrow picks the next phase once low is known to match.
func (s *ancestorSearch) narrow() {
	switch {
	case s.high-s.low <= 1:
		s.phase = phaseDone
		s.forkPoint = s.low
	case s.high-s.low-1 <= s.maxLinear:
		s.phase = phaseLinear
	default:
		s.phase = phaseBisect
	}
}

func (s *ancestorSearch) handleLinear(headers []*model.Header, isLocal isLocalFunc) error {
	from := s.low + 1
	amount := s.high - s.low - 1

	if len(headers) == 0 || uint64(len(headers)) > amount {
		return errors.NewProtocolViolationError("[AncestorSearch][%s] expected up to %d headers from %d, got %d", s.peer, amount, from, len(headers))
	}

	for i, header := range headers {
		if header.Number != from+uint64(i) {
			return errors.NewProtocolViolationError("[AncestorSearch][%s] header %d out of sequence, expected %d", s.peer, header.Number, from+uint64(i))
		}
	}

	for _, header := range headers {
		match, err := isLocal(header.Number, header.Hash())
		if err != nil {
			return err
		}

		if !match {
			s.high = header.Number
			break
		}

		s.low = header.Number
	}

	if s.high-s.low <= 1 {
		s.phase = phaseDone
		s.forkPoint = s.low
	}

	return nil
}
