// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"errors"
	"fmt"
)

var (
	errSessionNotFound    = errors.New("session not found")
	errInvalidArgument    = errors.New("invalid argument")
	errInvalidTransition  = errors.New("invalid fsm transition")
	errMergePrecondition  = errors.New("update-criteria merge precondition violated")
	errUnknownChargingKey = errors.New("unknown charging key")
	errUnknownMonitorKey  = errors.New("unknown monitoring key")
)

// ErrSessionNotFound wraps errSessionNotFound with the offending key.
func ErrSessionNotFound(imsi, sessionID string) error {
	return fmt.Errorf("imsi=%s session=%s: %w", imsi, sessionID, errSessionNotFound)
}

// ErrInvalidArgument reports a malformed request field.
func ErrInvalidArgument(name string, value interface{}) error {
	return fmt.Errorf("%w: %s=%v", errInvalidArgument, name, value)
}

// ErrInvalidTransition reports a no-op FSM transition attempt.
func ErrInvalidTransition(from FSMState, event string) error {
	return fmt.Errorf("%w: from=%s event=%s", errInvalidTransition, from, event)
}

// ErrMergePrecondition reports that replaying an update-criteria journal
// onto a session failed because the target state no longer matches what
// the journal assumed.
func ErrMergePrecondition(reason string) error {
	return fmt.Errorf("%w: %s", errMergePrecondition, reason)
}

// ErrUnknownChargingKey reports usage against a charging key with no grant.
func ErrUnknownChargingKey(key CreditKey) error {
	return fmt.Errorf("%w: %v", errUnknownChargingKey, key)
}

// ErrUnknownMonitorKey reports usage against an unregistered monitoring key.
func ErrUnknownMonitorKey(key string) error {
	return fmt.Errorf("%w: %s", errUnknownMonitorKey, key)
}

// IsSessionNotFound reports whether err is (or wraps) errSessionNotFound.
func IsSessionNotFound(err error) bool { return errors.Is(err, errSessionNotFound) }
