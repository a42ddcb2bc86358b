package backends

import (
	"github.com/pkg/errors"
)

var (
	// ErrUsage marks invalid requests, detected before any network call.
	ErrUsage = errors.New("usage error")
	// ErrUnsupported marks option combinations a protocol can't serve.
	ErrUnsupported = errors.New("unsupported")
	// ErrNotAssistantTurn is returned when the last message isn't an assistant turn.
	ErrNotAssistantTurn = errors.Wrap(ErrUsage, "can only generate on assistant's turn")
	// ErrProtocol marks malformed or unexpected wire responses.
	ErrProtocol = errors.New("protocol error")
	// ErrNoModel is returned when generating before SetModel.
	ErrNoModel = errors.Wrap(ErrUsage, "no model set, call SetModel first")
)

// IsUsage reports whether err is a usage or unsupported-feature error.
func IsUsage(err error) bool {
	return errors.Is(err, ErrUsage) || errors.Is(err, ErrUnsupported)
}

func usageErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrUsage, format, args...)
}

func UnsupportedErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrUnsupported, format, args...)
}

func ProtocolErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrProtocol, format, args...)
}
