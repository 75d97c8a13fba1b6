package rabbitmq

import (
	"errors"
	"fmt"
)

var (
	ErrChannelRequired  = errors.New("rabbitmq channel is required")
	ErrPublishNacked    = errors.New("message was nacked by broker")
	ErrConfirmTimeout   = errors.New("confirmation timed out")
	ErrConfirmsClosed   = errors.New("confirmation stream closed")
	ErrDeliveriesClosed = errors.New("delivery stream closed")
	ErrInvalidTopology  = errors.New("invalid rabbitmq topology")
	ErrTransient        = errors.New("transient failure")
	ErrDialFailed       = errors.New("rabbitmq dial failed")
	ErrSessionClosed    = errors.New("rabbitmq session closed")
)

// Transient marks err as an infrastructure failure: the delivery is returned
// to the queue instead of entering the delay/DLQ path.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func invalidTopology(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidTopology}, args...)...)
}
