package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ggoodman/rpc-gateway-go/internal/jsonrpc"
)

// Subscription is a server-pushed sequence of values. Values are delivered in
// push order through a bounded queue; when the queue is full the connection's
// reader waits for the consumer.
type Subscription struct {
	conn        *connection
	id          *jsonrpc.RequestID
	unsubscribe string

	queue chan json.RawMessage
	done  chan struct{}

	endOnce sync.Once
	mu      sync.Mutex
	err     error

	unsubOnce sync.Once
	unsubErr  error
}

func newSubscription(c *connection, id *jsonrpc.RequestID, unsubscribeMethod string, size int) *Subscription {
	return &Subscription{
		conn:        c,
		id:          id,
		unsubscribe: unsubscribeMethod,
		queue:       make(chan json.RawMessage, size),
		done:        make(chan struct{}),
	}
}

// ID returns the server-assigned subscription id.
func (s *Subscription) ID() string { return s.id.String() }

// Next returns the next pushed value. Values already queued are returned before
// the end of the sequence is reported with io.EOF.
func (s *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case v := <-s.queue:
		return v, nil
	default:
	}

	select {
	case v := <-s.queue:
		return v, nil
	case <-s.done:
		select {
		case v := <-s.queue:
			return v, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the sequence has ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the sequence ended. It is nil while the subscription is
// live and after a clean unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe ends the sequence and sends the unsubscribe method with the
// subscription id to the endpoint before releasing the sink. It is safe to
// call more than once; later calls return the first call's result.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.unsubOnce.Do(func() {
		s.end(nil)
		defer s.conn.release(s)

		if s.conn.isClosed() || s.unsubscribe == "" {
			return
		}
		params, err := json.Marshal([]*jsonrpc.RequestID{s.id})
		if err != nil {
			s.unsubErr = fmt.Errorf("marshal unsubscribe params: %w", err)
			return
		}
		if _, err := s.conn.call(ctx, s.unsubscribe, params); err != nil {
			s.unsubErr = fmt.Errorf("unsubscribe %s: %w", s.ID(), err)
		}
	})
	return s.unsubErr
}

// push hands one value to the consumer, blocking while the queue is full. It
// gives up when the subscription ends or the connection stops.
func (s *Subscription) push(v json.RawMessage, stop <-chan struct{}) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- v:
	case <-s.done:
	case <-stop:
	}
}

func (s *Subscription) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}
