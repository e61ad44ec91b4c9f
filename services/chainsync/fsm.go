package chainsync

import (
	"context"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/looplab/fsm"
)

// SyncState is the externally visible state of the engine.
type SyncState string

const (
	StateNotSynced          SyncState = "NotSynced"
	StateFindingAncestor    SyncState = "FindingAncestor"
	StateDownloadingHeaders SyncState = "DownloadingHeaders"
	StateDownloadingBodies  SyncState = "DownloadingBodies"
	StateImporting          SyncState = "Importing"
	StateIdle               SyncState = "Idle"
)

func (s SyncState) String() string {
	return string(s)
}

// Active reports whether a sync target is being pursued.
func (s SyncState) Active() bool {
	switch s {
	case StateFindingAncestor, StateDownloadingHeaders, StateDownloadingBodies, StateImporting:
		return true
	default:
		return false
	}
}

type SyncEvent string

const (
	EventFindAncestor    SyncEvent = "find_ancestor"
	EventDownloadHeaders SyncEvent = "download_headers"
	EventDownloadBodies  SyncEvent = "download_bodies"
	EventImport          SyncEvent = "import"
	EventIdle            SyncEvent = "idle"
	EventReset           SyncEvent = "reset"
)

var allStates = []string{
	StateNotSynced.String(),
	StateFindingAncestor.String(),
	StateDownloadingHeaders.String(),
	StateDownloadingBodies.String(),
	StateImporting.String(),
	StateIdle.String(),
}

// NewSyncStateMachine creates the engine state machine. It starts in NotSynced.
//
//	find_ancestor:    NotSynced, Idle, DownloadingHeaders, DownloadingBodies, Importing -> FindingAncestor
//	download_headers: FindingAncestor, DownloadingBodies, Importing -> DownloadingHeaders
//	download_bodies:  DownloadingHeaders -> DownloadingBodies
//	import:           DownloadingBodies -> Importing
//	idle:             any -> Idle
//	reset:            any -> NotSynced
func NewSyncStateMachine(opts ...func(*fsm.FSM)) *fsm.FSM {
	finiteStateMachine := fsm.NewFSM(
		StateNotSynced.String(),
		fsm.Events{
			{
				Name: string(EventFindAncestor),
				Src: []string{
					StateNotSynced.String(),
					StateIdle.String(),
					StateDownloadingHeaders.String(),
					StateDownloadingBodies.String(),
					StateImporting.String(),
				},
				Dst: StateFindingAncestor.String(),
			},
			{
				Name: string(EventDownloadHeaders),
				Src: []string{
					StateFindingAncestor.String(),
					StateDownloadingBodies.String(),
					StateImporting.String(),
				},
				Dst: StateDownloadingHeaders.String(),
			},
			{
				Name: string(EventDownloadBodies),
				Src: []string{
					StateDownloadingHeaders.String(),
				},
				Dst: StateDownloadingBodies.String(),
			},
			{
				Name: string(EventImport),
				Src: []string{
					StateDownloadingBodies.String(),
				},
				Dst: StateImporting.String(),
			},
			{
				Name: string(EventIdle),
				Src:  allStates,
				Dst:  StateIdle.String(),
			},
			{
				Name: string(EventReset),
				Src:  allStates,
				Dst:  StateNotSynced.String(),
			},
		},
		fsm.Callbacks{},
	)

	for _, opt := range opts {
		opt(finiteStateMachine)
	}

	return finiteStateMachine
}

// sendEvent fires event. Firing an event that leaves the state unchanged is not an error.
func sendEvent(ctx context.Context, sm *fsm.FSM, event SyncEvent) error {
	err := sm.Event(ctx, string(event))
	if err == nil {
		return nil
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}

	return errors.NewProcessingError("[SyncFSM] event %s from state %s failed", event, sm.Current(), err)
}
