package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrBusClosed is returned by a LocalBus after Close.
var ErrBusClosed = errors.New("event bus closed")

// LocalBus is an in-process Publisher and Subscriber. Events are JSON encoded
// exactly as on NATS so consumers can switch transports without changes.
// A full subscriber channel drops the event rather than block the publisher.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]*localSub
	nextID int
	closed bool
}

type localSub struct {
	pattern []string
	ch      chan []byte
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]*localSub)}
}

var (
	_ Publisher  = (*LocalBus)(nil)
	_ Subscriber = (*LocalBus)(nil)
)

func (b *LocalBus) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	tokens := strings.Split(topic, ".")

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs {
		if !matchSubject(s.pattern, tokens) {
			continue
		}
		select {
		case s.ch <- data:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(topic string) (<-chan []byte, func(), error) {
	if topic == "" {
		return nil, nil, errors.New("empty topic")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	s := &localSub{pattern: strings.Split(topic, "."), ch: make(chan []byte, 64)}
	b.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
	return s.ch, cancel, nil
}

// Close closes every subscription channel.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	return nil
}

// matchSubject applies NATS subject matching: "*" matches exactly one token
// and a trailing ">" matches one or more.
func matchSubject(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
