// Package errors is the error vocabulary shared by every emsync package.
// It wraps github.com/pkg/errors so that context added with WithContext
// can be peeled back off with RootCause, and defines the typed errors that
// callers branch on.
package errors

import (
	stderrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// New returns an error with the given message.
func New(msg string, args ...interface{}) error {
	if len(args) == 0 {
		return stderrors.New(msg)
	}
	return fmt.Errorf(msg, args...)
}

// WithContext annotates err with a short description of what was being
// attempted when it occurred. A nil err stays nil.
func WithContext(err error, context string) error {
	return pkgerrors.WithMessage(err, context)
}

// RootCause strips every layer of context added by WithContext.
func RootCause(err error) error {
	return pkgerrors.Cause(err)
}

// Is and As are re-exported so that callers don't need to import both this
// package and the standard library's.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// FriendlyError is an error whose message is meant to be shown to an
// operator as-is, without the chain of context.
type FriendlyError struct {
	msg string
}

// NewFriendlyError formats a FriendlyError.
func NewFriendlyError(template string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(template, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the message to display.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}
