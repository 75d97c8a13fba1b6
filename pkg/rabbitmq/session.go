package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type DialOptions struct {
	// Attempts is the number of connection attempts before giving up.
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ConnectionName string
	Logger         *logrus.Entry

	dial func(url string, cfg amqp.Config) (*amqp.Connection, error)
}

func (o *DialOptions) setDefaults() {
	if o.Attempts <= 0 {
		o.Attempts = 10
	}
	if o.InitialBackoff == 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
	if o.dial == nil {
		o.dial = amqp.DialConfig
	}
}

// Session owns one broker connection and one channel. Close releases the
// channel before the connection and is safe to call more than once.
type Session struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	closeOnce sync.Once
	closeErr  error
}

// Dial connects with exponential backoff until a channel is open, the
// attempts run out, or ctx ends.
func Dial(ctx context.Context, url string, opts DialOptions) (*Session, error) {
	opts.setDefaults()

	rnd := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	props := amqp.NewConnectionProperties()
	if opts.ConnectionName != "" {
		props.SetClientConnectionName(opts.ConnectionName)
	}
	cfg := amqp.Config{Properties: props, Heartbeat: 10 * time.Second}

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := open(url, cfg, opts.dial)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if attempt == opts.Attempts {
			break
		}

		wait := backoff(attempt, opts.InitialBackoff, opts.MaxBackoff) + jitter(rnd, opts.InitialBackoff/2)
		opts.Logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("rabbitmq: dial failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrDialFailed, opts.Attempts, lastErr)
}

func open(url string, cfg amqp.Config, dial func(string, amqp.Config) (*amqp.Connection, error)) (*Session, error) {
	conn, err := dial(url, cfg)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Session{conn: conn, ch: ch}, nil
}

func (s *Session) Channel() *amqp.Channel {
	return s.ch
}

type closeNotifier interface {
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

// NotifyClose reports loss of the channel or of the connection. A
// channel-level exception leaves the connection open, so both are watched.
// The returned channel yields at most one error and is then closed; a
// graceful close closes it without a value.
func (s *Session) NotifyClose() <-chan *amqp.Error {
	var notifiers []closeNotifier
	if s.ch != nil {
		notifiers = append(notifiers, s.ch)
	}
	if s.conn != nil {
		notifiers = append(notifiers, s.conn)
	}
	return mergeClose(notifiers...)
}

func mergeClose(notifiers ...closeNotifier) <-chan *amqp.Error {
	out := make(chan *amqp.Error, 1)
	if len(notifiers) == 0 {
		close(out)
		return out
	}
	var once sync.Once
	for _, n := range notifiers {
		src := n.NotifyClose(make(chan *amqp.Error, 1))
		go func() {
			amqpErr, ok := <-src
			once.Do(func() {
				if ok && amqpErr != nil {
					out <- amqpErr
				}
				close(out)
			})
		}()
	}
	return out
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.ch != nil {
			if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close channel: %w", err))
			}
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
