package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/john-rice/tdesktop/logger"
	"github.com/john-rice/tdesktop/mtproto"
)

// State represents the lifecycle stage of a session.
type State uint32

// Session lifecycle states.
const (
	// StoppedState indicates the session holds no open connection; request
	// state is preserved and the session can be started again.
	StoppedState State = iota
	// StartingState indicates the connection is being opened.
	StartingState
	// ActiveState indicates the transport is connected and an auth key is
	// present and checked; requests flow.
	ActiveState
	// RestartingState indicates a transient transport failure; the
	// connection is being reopened and queued requests are preserved.
	RestartingState
	// KilledState is terminal: the connection and all session state have
	// been released.
	KilledState
)

// IsStopped returns if the session is stopped.
func (s State) IsStopped() bool { return s == StoppedState }

// IsStarting returns if the session is opening its connection.
func (s State) IsStarting() bool { return s == StartingState }

// IsActive returns if the session is connected and ready to exchange requests.
func (s State) IsActive() bool { return s == ActiveState }

// IsRestarting returns if the session is recovering from a transport failure.
func (s State) IsRestarting() bool { return s == RestartingState }

// IsKilled returns if the session has been terminally destroyed.
func (s State) IsKilled() bool { return s == KilledState }

// String returns string representation of the current state.
func (s State) String() string {
	switch s {
	case StoppedState:
		return "stopped"
	case StartingState:
		return "starting"
	case ActiveState:
		return "active"
	case RestartingState:
		return "restarting"
	case KilledState:
		return "killed"
	default:
		return "unknown"
	}
}

// StateChangeHandler is invoked when the session lifecycle state changes.
//
// Note: the handler is invoked in blocking mode under the transition. Take
// care with long-running implementations.
type StateChangeHandler func(prevState State, newState State)

// StateMgr manages the lifecycle state of a session.
//
// It provides methods for managing state transitions and notifying listeners
// of state changes. Transitions are safe for concurrent use.
type StateMgr struct {
	mu       sync.Mutex
	ctx      context.Context
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	async    chan State
	handlers []StateChangeHandler
}

// NewStateMgr creates a new StateMgr initialized to StoppedState.
//
// It accepts optional StateChangeHandler functions invoked on every transition.
func NewStateMgr(ctx context.Context, l logger.Logger, handlers ...StateChangeHandler) *StateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &StateMgr{
		ctx:      ctx,
		logger:   l,
		async:    make(chan State, 10),
		handlers: append(make([]StateChangeHandler, 0, len(handlers)), handlers...),
	}

	mgr.state.Store(uint32(StoppedState))
	mgr.cond = sync.NewCond(&mgr.mu)

	go mgr.asyncTransitionTask()

	return mgr
}

// State returns the current lifecycle state.
func (m *StateMgr) State() State {
	return State(m.state.Load())
}

// AddHandler adds one or more StateChangeHandler functions invoked on state changes.
func (m *StateMgr) AddHandler(handlers ...StateChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handlers...)
}

// WaitState waits for the session to reach the specified state or until the
// context is done. It returns nil if the desired state is reached, or the
// context error otherwise.
func (m *StateMgr) WaitState(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		m.cond.Broadcast()
	})
	defer stopFunc()

	for m.State() != state {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			m.cond.Wait()
		}
	}

	return nil
}

// ToStarting transitions to StartingState. Allowed from StoppedState and
// RestartingState. No-op when already starting.
func (m *StateMgr) ToStarting() error {
	return m.transition(StartingState, func(cur State) bool {
		return cur.IsStopped() || cur.IsRestarting()
	})
}

// ToActive transitions to ActiveState. Allowed from StartingState only.
// No-op when already active.
func (m *StateMgr) ToActive() error {
	return m.transition(ActiveState, func(cur State) bool {
		return cur.IsStarting()
	})
}

// ToRestarting transitions to RestartingState. Allowed from StartingState
// and ActiveState. No-op when already restarting.
func (m *StateMgr) ToRestarting() error {
	return m.transition(RestartingState, func(cur State) bool {
		return cur.IsStarting() || cur.IsActive()
	})
}

// ToStopped transitions to StoppedState. Allowed from any state except
// KilledState; this represents closing the connection without discarding
// request state.
func (m *StateMgr) ToStopped() error {
	return m.transition(StoppedState, func(cur State) bool {
		return !cur.IsKilled()
	})
}

// ToKilled transitions to the terminal KilledState. Allowed from any state
// and idempotent.
func (m *StateMgr) ToKilled() {
	_ = m.transition(KilledState, func(State) bool { return true })
}

// ToRestartingAsync requests a transition to RestartingState from the
// background transition task. Safe to call from transport callbacks.
func (m *StateMgr) ToRestartingAsync() {
	m.transitionAsync(RestartingState)
}

// ToActiveAsync requests a transition to ActiveState from the background
// transition task.
func (m *StateMgr) ToActiveAsync() {
	m.transitionAsync(ActiveState)
}

// IsActive returns if the session is in ActiveState.
func (m *StateMgr) IsActive() bool { return m.State().IsActive() }

// IsKilled returns if the session is in KilledState.
func (m *StateMgr) IsKilled() bool { return m.State().IsKilled() }

// transition atomically applies a state change guarded by allowed, invoking
// the registered handlers under the transition.
func (m *StateMgr) transition(newState State, allowed func(State) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	curState := m.State()
	if curState == newState {
		return nil
	}

	if !allowed(curState) {
		return mtproto.ErrInvalidTransition
	}

	m.state.Store(uint32(newState))
	m.cond.Broadcast()

	for _, handler := range m.handlers {
		if handler != nil {
			handler(curState, newState)
		}
	}

	return nil
}

// transitionAsync hands the desired state to the background task.
// No-op when the state already matches.
func (m *StateMgr) transitionAsync(state State) {
	if m.State() == state {
		return
	}

	select {
	case m.async <- state:
	default:
		m.logger.Warn("async transition queue full, dropping", "desired_state", state)
	}
}

// asyncTransitionTask applies queued transitions in the background.
func (m *StateMgr) asyncTransitionTask() {
	defer m.logger.Debug("asyncTransitionTask terminated")

	for {
		select {
		case <-m.ctx.Done():
			return

		case desired := <-m.async:
			var err error
			switch desired {
			case StartingState:
				err = m.ToStarting()
			case ActiveState:
				err = m.ToActive()
			case RestartingState:
				err = m.ToRestarting()
			case StoppedState:
				err = m.ToStopped()
			case KilledState:
				m.ToKilled()
			}

			if err != nil && !errors.Is(err, mtproto.ErrInvalidTransition) {
				m.logger.Error("async transition failed", "desired_state", desired, "error", err)
			} else if err != nil {
				m.logger.Debug("async transition rejected", "cur_state", m.State(), "desired_state", desired)
			}
		}
	}
}
