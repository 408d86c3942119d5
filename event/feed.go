// Package event implements a generic publish/subscribe mechanism, modeled on
// go-ethereum's event package (same Feed/Subscription API). paladin-core uses
// it for one off-hot-path notification, the LatestVotes epoch-boundary swap,
// keeping the on-path components (BundleLocker, Scheduler) free of any
// observer indirection.
package event

import (
	"errors"
	"reflect"
	"sync"
)

var errBadChannel = errors.New("event: Subscribe argument does not have sendable channel type")

// Feed implements one-to-many subscriptions where all carried values share a
// type, fixed by the first Subscribe or Send call. The zero value is ready
// to use.
type Feed struct {
	mu   sync.Mutex
	typ  reflect.Type
	subs map[*feedSub]struct{}
}

func (f *Feed) typeCheck(t reflect.Type) bool {
	if f.typ == nil {
		f.typ = t
		return true
	}
	return f.typ == t
}

// Subscribe adds a channel to the feed. Future sends are delivered on the
// channel (blocking the sender) until the subscription is unsubscribed.
func (f *Feed) Subscribe(channel interface{}) (Subscription, error) {
	chanval := reflect.ValueOf(channel)
	chantyp := chanval.Type()
	if chantyp.Kind() != reflect.Chan || chantyp.ChanDir()&reflect.SendDir == 0 {
		return nil, errBadChannel
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.typeCheck(chantyp.Elem()) {
		return nil, errBadChannel
	}
	if f.subs == nil {
		f.subs = make(map[*feedSub]struct{})
	}
	sub := &feedSub{feed: f, channel: chanval, done: make(chan struct{})}
	f.subs[sub] = struct{}{}
	return sub, nil
}

func (f *Feed) remove(sub *feedSub) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

// Send delivers value to every currently-subscribed channel, blocking until
// each has either received it or unsubscribed. It returns the number of
// subscribers the value was sent to.
func (f *Feed) Send(value interface{}) (nsent int) {
	rvalue := reflect.ValueOf(value)

	f.mu.Lock()
	if !f.typeCheck(rvalue.Type()) {
		f.mu.Unlock()
		panic(feedTypeError{op: "Send", got: rvalue.Type(), want: f.typ})
	}
	subs := make([]*feedSub, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	// All sends are multiplexed through one Select so subscribers may
	// receive in any order; a sequential per-subscriber send would deadlock
	// against a receiver draining its channels in a different order.
	cases := make([]reflect.SelectCase, len(subs))
	for i, sub := range subs {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectSend, Chan: sub.channel, Send: rvalue}
	}
	for len(cases) > 0 {
		n := len(cases)
		all := make([]reflect.SelectCase, 0, 2*n)
		all = append(all, cases...)
		for _, sub := range subs {
			all = append(all, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sub.done)})
		}
		chosen, _, _ := reflect.Select(all)
		idx := chosen
		if chosen < n {
			nsent++
		} else {
			idx = chosen - n
		}
		cases = append(cases[:idx], cases[idx+1:]...)
		subs = append(subs[:idx], subs[idx+1:]...)
	}
	return nsent
}

type feedTypeError struct {
	got, want reflect.Type
	op        string
}

func (e feedTypeError) Error() string {
	return "event: wrong type in " + e.op + " got " + e.got.String() + ", want " + e.want.String()
}
