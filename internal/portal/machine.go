// Package portal drives one external auditor through token entry, validation
// and read-only browsing. Transition is pure; Portal performs the commands it
// returns.
package portal

import (
	"errors"
	"fmt"

	"auditgate.org/internal/gateway"
)

// State is the top-level portal state.
type State int

const (
	StateTokenEntry State = iota
	StateValidating
	StateError
	StatePortal
)

func (s State) String() string {
	switch s {
	case StateTokenEntry:
		return "token_entry"
	case StateValidating:
		return "validating"
	case StateError:
		return "error"
	case StatePortal:
		return "portal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// View is the sub-state inside StatePortal.
type View int

const (
	ViewOverview View = iota
	ViewModule
	ViewSecurity
)

func (v View) String() string {
	switch v {
	case ViewOverview:
		return "overview"
	case ViewModule:
		return "module"
	case ViewSecurity:
		return "security"
	}
	return fmt.Sprintf("view(%d)", int(v))
}

var (
	ErrInvalidTransition = errors.New("portal: event not allowed in current state")
	// ErrStale marks a fetch result for a selection the user already left.
	ErrStale          = errors.New("portal: stale module result")
	ErrRecordNotFound = errors.New("portal: record not in current list")
	ErrLoading        = errors.New("portal: module still loading")
)

// Snapshot is the complete portal state. Grant and List are only ever set
// while State is StatePortal.
type Snapshot struct {
	State   State
	View    View
	Token   string
	Failure gateway.ValidationResult

	Grant    gateway.Grant
	Module   gateway.ModuleKey
	Query    string
	Seq      uint64
	Loading  bool
	List     gateway.RecordList
	Expanded string
}

// Authenticated reports whether data may be shown.
func (s Snapshot) Authenticated() bool { return s.State == StatePortal }

// Event is an input to Transition.
type Event interface{ isEvent() }

type (
	SubmitToken    struct{ Token string }
	Validated      struct{ Result gateway.ValidationResult }
	SelectOverview struct{}
	SelectModule   struct {
		Key   gateway.ModuleKey
		Query string
	}
	ModuleLoaded struct {
		Seq  uint64
		List gateway.RecordList
	}
	ExpandRecord   struct{ Ref string }
	CollapseRecord struct{ Ref string }
	SelectSecurity struct{}
	// SessionEnded reports that a live grant failed its liveness re-check.
	SessionEnded struct{ Result gateway.ValidationResult }
	Retry        struct{}
	Exit         struct{}
)

func (SubmitToken) isEvent()    {}
func (Validated) isEvent()      {}
func (SelectOverview) isEvent() {}
func (SelectModule) isEvent()   {}
func (ModuleLoaded) isEvent()   {}
func (ExpandRecord) isEvent()   {}
func (CollapseRecord) isEvent() {}
func (SelectSecurity) isEvent() {}
func (SessionEnded) isEvent()   {}
func (Retry) isEvent()          {}
func (Exit) isEvent()           {}

// Command is a side effect the driver must perform after a transition.
type Command interface{ isCommand() }

type (
	CmdValidate struct{ Token string }
	CmdFetch    struct {
		Seq   uint64
		Key   gateway.ModuleKey
		Query string
	}
	CmdLogRecord struct {
		Module gateway.ModuleDescriptor
		Record gateway.Record
	}
	CmdLogSecurity struct{}
)

func (CmdValidate) isCommand()    {}
func (CmdFetch) isCommand()       {}
func (CmdLogRecord) isCommand()   {}
func (CmdLogSecurity) isCommand() {}

// Transition applies ev to s. On error s is returned unchanged and no command
// is issued.
func Transition(s Snapshot, ev Event) (Snapshot, Command, error) {
	if _, ok := ev.(Exit); ok {
		return Snapshot{}, nil, nil
	}
	switch s.State {
	case StateTokenEntry:
		return fromTokenEntry(s, ev)
	case StateValidating:
		return fromValidating(s, ev)
	case StateError:
		return fromError(s, ev)
	case StatePortal:
		return fromPortal(s, ev)
	}
	return s, nil, fmt.Errorf("%w: unknown state %v", ErrInvalidTransition, s.State)
}

func denied(s Snapshot, ev Event) (Snapshot, Command, error) {
	return s, nil, fmt.Errorf("%w: %T in %v", ErrInvalidTransition, ev, s.State)
}

func fromTokenEntry(s Snapshot, ev Event) (Snapshot, Command, error) {
	e, ok := ev.(SubmitToken)
	if !ok {
		return denied(s, ev)
	}
	return Snapshot{State: StateValidating, Token: e.Token}, CmdValidate{Token: e.Token}, nil
}

func fromValidating(s Snapshot, ev Event) (Snapshot, Command, error) {
	e, ok := ev.(Validated)
	if !ok {
		return denied(s, ev)
	}
	if !e.Result.Valid() {
		return Snapshot{State: StateError, Failure: e.Result}, nil, nil
	}
	return Snapshot{State: StatePortal, View: ViewOverview, Grant: e.Result.Grant}, nil, nil
}

func fromError(s Snapshot, ev Event) (Snapshot, Command, error) {
	switch e := ev.(type) {
	case Retry:
		return Snapshot{}, nil, nil
	case SubmitToken:
		return Snapshot{State: StateValidating, Token: e.Token}, CmdValidate{Token: e.Token}, nil
	}
	return denied(s, ev)
}

func fromPortal(s Snapshot, ev Event) (Snapshot, Command, error) {
	switch e := ev.(type) {
	case SelectOverview:
		return browse(s, ViewOverview), nil, nil

	case SelectModule:
		m, err := gateway.InScope(s.Grant, e.Key)
		if err != nil {
			return s, nil, err
		}
		if m.Static() {
			return s, nil, gateway.ErrStaticModule
		}
		next := browse(s, ViewModule)
		next.Module = m.Key
		next.Query = e.Query
		next.Loading = true
		return next, CmdFetch{Seq: next.Seq, Key: m.Key, Query: e.Query}, nil

	case ModuleLoaded:
		if s.View != ViewModule || !s.Loading || e.Seq != s.Seq {
			return s, nil, ErrStale
		}
		s.Loading = false
		s.List = e.List
		return s, nil, nil

	case ExpandRecord:
		if s.View != ViewModule {
			return denied(s, ev)
		}
		if s.Loading {
			return s, nil, ErrLoading
		}
		rec, ok := recordByRef(s.List, e.Ref)
		if !ok {
			return s, nil, ErrRecordNotFound
		}
		s.Expanded = e.Ref
		return s, CmdLogRecord{Module: s.List.Module, Record: rec}, nil

	case CollapseRecord:
		if s.View != ViewModule {
			return denied(s, ev)
		}
		if s.Expanded == e.Ref {
			s.Expanded = ""
		}
		return s, nil, nil

	case SelectSecurity:
		return browse(s, ViewSecurity), CmdLogSecurity{}, nil

	case SessionEnded:
		if e.Result.Valid() {
			return denied(s, ev)
		}
		return Snapshot{State: StateError, Failure: e.Result}, nil, nil
	}
	return denied(s, ev)
}

// browse switches view and invalidates any fetch still in flight.
func browse(s Snapshot, v View) Snapshot {
	return Snapshot{State: StatePortal, View: v, Grant: s.Grant, Seq: s.Seq + 1}
}
