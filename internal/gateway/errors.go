package gateway

import "errors"

var (
	ErrNotFound       = errors.New("gateway: not found")
	ErrInvalidInput   = errors.New("gateway: invalid input")
	ErrConnection     = errors.New("gateway: connection error")
	ErrUnknownModule  = errors.New("gateway: unknown module")
	ErrStaticModule   = errors.New("gateway: module has no backing table")
	ErrScopeDenied    = errors.New("gateway: module not in grant scope")
	ErrTenantRequired = errors.New("gateway: query lacks tenant predicate")
	// ErrGrantNotLive is returned by RecordAccess when the grant is revoked,
	// no longer active or outside its window at the access time.
	ErrGrantNotLive = errors.New("gateway: grant is not live")
)
