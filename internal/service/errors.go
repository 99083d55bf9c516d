package service

import (
	"errors"
	"fmt"

	"github.com/wenwu/saas-platform/staticip-service/internal/repository"
)

// Capacity exhaustion: expected, user-facing, never retried automatically
var (
	ErrPoolExhausted   = errors.New("no addresses left in region")
	ErrQuotaExceeded   = errors.New("port forward quota exceeded, buy more ports")
	ErrNoAddonCapacity = errors.New("no addon capacity")
	ErrAllocationLimit = errors.New("plan allocation limit reached")
)

// Conflicts: the caller should re-query state instead of retrying the same input
var (
	ErrDuplicateAllocation = errors.New("account already holds an allocation in this region")
	ErrPortAlreadyUsed     = errors.New("port already forwarded on this allocation")
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRegionNotEntitled = errors.New("plan is not entitled to this region")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Error kinds returned by Kind
const (
	KindCapacity          = "capacity"
	KindConflict          = "conflict"
	KindInvalidTransition = "invalid_transition"
	KindNotFound          = "not_found"
	KindForbidden         = "forbidden"
	KindInvalid           = "invalid"
	KindInternal          = "internal"
)

// Kind classifies err into one of the error kinds above. Unknown errors are
// internal.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrNoAddonCapacity), errors.Is(err, ErrAllocationLimit):
		return KindCapacity
	case errors.Is(err, ErrDuplicateAllocation), errors.Is(err, ErrPortAlreadyUsed):
		return KindConflict
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrNotFound), errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrRegionNotEntitled):
		return KindForbidden
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Code returns the stable machine-readable code of a domain error
func Code(err error) string {
	codes := []struct {
		target error
		code   string
	}{
		{ErrPoolExhausted, "pool_exhausted"},
		{ErrQuotaExceeded, "quota_exceeded"},
		{ErrNoAddonCapacity, "no_addon_capacity"},
		{ErrAllocationLimit, "allocation_limit"},
		{ErrDuplicateAllocation, "duplicate_allocation"},
		{ErrPortAlreadyUsed, "port_already_used"},
		{ErrInvalidTransition, "invalid_transition"},
		{ErrRegionNotEntitled, "region_not_entitled"},
		{ErrNotFound, "not_found"},
		{repository.ErrNotFound, "not_found"},
		{ErrForbidden, "forbidden"},
		{ErrInvalidArgument, "invalid_argument"},
	}
	for _, c := range codes {
		if errors.Is(err, c.target) {
			return c.code
		}
	}
	return "internal_error"
}

// notFound maps the repository sentinel to the service one
func notFound(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
