package store

import (
	"errors"
	"io/fs"
	"syscall"
)

// Recovery is the action taken when moving a temp file over its target fails
type Recovery int

// recovery actions, ordered from the most to the least conservative
const (
	RecoverFail   Recovery = iota // not recoverable, give up and keep the target as is
	RecoverRetry                  // retry the rename with backoff
	RecoverUnlink                 // move the stale target away, retry at once, then with backoff
)

func (r Recovery) String() string {
	switch r {
	case RecoverRetry:
		return "retry"
	case RecoverUnlink:
		return "unlink-retry"
	default:
		return "fail"
	}
}

// recoveryRule maps a class of rename errors to the recovery action
type recoveryRule struct {
	class  string
	match  func(error) bool
	action Recovery
}

// recoveryRules checked in order, the first match wins. Errors matching no rule are not recoverable.
var recoveryRules = []recoveryRule{
	{class: "exists", match: isAny(fs.ErrExist), action: RecoverUnlink},
	{class: "permission", match: isAny(fs.ErrPermission), action: RecoverUnlink},
	{class: "busy", match: isAny(syscall.EBUSY), action: RecoverUnlink},
	{class: "interrupted", match: isAny(syscall.EINTR, syscall.EAGAIN), action: RecoverRetry},
}

// RecoveryFor returns the recovery action for a rename error
func RecoveryFor(err error) Recovery {
	action, _ := classify(err)
	return action
}

// classify returns the recovery action and the matched error class, "other" if nothing matched
func classify(err error) (Recovery, string) {
	if err == nil {
		return RecoverFail, "none"
	}
	for _, r := range recoveryRules {
		if r.match(err) {
			return r.action, r.class
		}
	}
	return RecoverFail, "other"
}

func isAny(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}
