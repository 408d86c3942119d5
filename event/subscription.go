package event

import (
	"reflect"
	"sync"
)

// Subscription represents a stream of events. The carrier of the events is
// typically a channel, but isn't part of the interface.
//
// Subscriptions can fail while in progress. The error is sent on Err and
// Unsubscribe can be called any number of times.
type Subscription interface {
	// Err returns a channel that is closed when the subscription has ended
	// and carries the error, if any, that caused the end.
	Err() <-chan error
	// Unsubscribe stops the delivery of events. It can be called more than
	// once.
	Unsubscribe()
}

type feedSub struct {
	feed    *Feed
	channel reflect.Value
	done    chan struct{}
	once    sync.Once
	errOnce sync.Once
	errc    chan error
}

func (s *feedSub) Err() <-chan error {
	s.errOnce.Do(func() { s.errc = make(chan error, 1) })
	return s.errc
}

func (s *feedSub) Unsubscribe() {
	s.once.Do(func() {
		s.feed.remove(s)
		close(s.done)
		if s.errc != nil {
			close(s.errc)
		}
	})
}

// NewSubscription runs a producer function as a subscription in a new
// goroutine. The channel given to the producer is closed when the
// subscription's Unsubscribe method is called.
func NewSubscription(producer func(<-chan struct{}) error) Subscription {
	s := &funcSub{unsub: make(chan struct{}), err: make(chan error, 1)}
	go func() {
		defer close(s.err)
		s.err <- producer(s.unsub)
	}()
	return s
}

type funcSub struct {
	unsub chan struct{}
	err   chan error
	once  sync.Once
}

func (s *funcSub) Err() <-chan error { return s.err }

func (s *funcSub) Unsubscribe() {
	s.once.Do(func() { close(s.unsub) })
	<-s.err
}
