package store

import (
	"context"
	"sync"
)

type subscription struct {
	ref   ref
	fn    func(Snapshot)
	dirty chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func (sub *subscription) watches(r ref) bool {
	if sub.ref.collection != r.collection {
		return false
	}
	return !sub.ref.isRecord() || sub.ref.id == r.id
}

// mark flags the subscription for redelivery. Pending flags coalesce, so a
// slow callback only ever sees the latest committed state.
func (sub *subscription) mark() {
	select {
	case sub.dirty <- struct{}{}:
	default:
	}
}

func (sub *subscription) cancel() {
	sub.once.Do(func() { close(sub.stop) })
}

// Subscribe calls fn with the current value at path and again after every
// committed change under it. Callbacks for one subscription never overlap.
// The returned func stops further deliveries.
func (s *Store) Subscribe(path string, fn func(Snapshot)) (func(), error) {
	r, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	sub := &subscription{
		ref:   r,
		fn:    fn,
		dirty: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	sub.mark()
	go s.run(sub)

	return func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.cancel()
	}, nil
}

func (s *Store) run(sub *subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.dirty:
		}
		snap, err := s.read(context.Background(), sub.ref)
		if err != nil {
			s.log.WithError(err).WithField("path", sub.ref.String()).Warn("subscription read failed")
			continue
		}
		select {
		case <-sub.stop:
			return
		default:
		}
		sub.fn(snap)
	}
}

func (s *Store) notify(r ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.watches(r) {
			sub.mark()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close stops every subscription and waits for in-flight callbacks.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = map[*subscription]struct{}{}
	s.mu.Unlock()
	for sub := range subs {
		sub.cancel()
	}
	s.wg.Wait()
}
