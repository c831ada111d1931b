// Package services defines the business logic for sourcing orders: the order
// lifecycle, attachments, bulk reconciliation, export, notifications,
// analytics, and the admin-side directories. This file centralizes the error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// Errors form a small taxonomy. Each specific error wraps one of the five
// kinds below, so callers may test either precisely (errors.Is(err,
// ErrTerminalOrder)) or by kind (errors.Is(err, ErrInvalidTransition)).
// Translation into user-facing text or HTTP status codes is performed by the
// bot and handler layers.
package services

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrNotFound indicates that an order, macro or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is a business-rule rejection of a status change.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrValidation marks malformed input such as a bad batch file.
	ErrValidation = errors.New("validation failure")

	// ErrDelivery marks an unreachable recipient. It is isolated per
	// recipient and never aborts a batch.
	ErrDelivery = errors.New("delivery failure")

	// ErrStorage wraps repository and attachment store I/O failures.
	ErrStorage = errors.New("storage failure")
)

// Specific errors.
var (
	// ErrOrderNotFound indicates that the requested order does not exist.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)

	// ErrMacroNotFound indicates that the requested question template does not exist.
	ErrMacroNotFound = fmt.Errorf("macro %w", ErrNotFound)

	// ErrUserNotFound indicates that the requested user does not exist.
	ErrUserNotFound = fmt.Errorf("user %w", ErrNotFound)

	// ErrNotOwner is returned when a user acts on an order that belongs to
	// someone else. It is reported as not found so order ids are not probed.
	ErrNotOwner = fmt.Errorf("order not owned by user: %w", ErrNotFound)

	// ErrTerminalOrder is returned for any mutation of an order in a
	// terminal status.
	ErrTerminalOrder = fmt.Errorf("order is terminal: %w", ErrInvalidTransition)

	// ErrInvalidLink is returned when Added is requested without a link on
	// the authorized product domain.
	ErrInvalidLink = fmt.Errorf("product link rejected: %w", ErrInvalidTransition)

	// ErrLinkMalformed is the ErrInvalidLink case of a value that is not an
	// absolute http(s) URL.
	ErrLinkMalformed = fmt.Errorf("not an absolute http(s) url: %w", ErrInvalidLink)

	// ErrLinkForeignHost is the ErrInvalidLink case of a well-formed URL on
	// another host.
	ErrLinkForeignHost = fmt.Errorf("host outside product domain: %w", ErrInvalidLink)

	// ErrInvalidStatus is returned for a status outside the fixed set.
	ErrInvalidStatus = fmt.Errorf("unknown status: %w", ErrValidation)

	// ErrEmptyText is returned when a question, answer or macro has no text.
	ErrEmptyText = fmt.Errorf("text is empty: %w", ErrValidation)

	// ErrDuplicateKeyword is returned when a keyword is already mapped.
	ErrDuplicateKeyword = fmt.Errorf("keyword already mapped: %w", ErrValidation)

	// ErrKeywordNotFound is returned when removing an unknown keyword.
	ErrKeywordNotFound = fmt.Errorf("keyword %w", ErrNotFound)
)

// storageErr wraps a repository failure as ErrStorage, keeping the cause.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
