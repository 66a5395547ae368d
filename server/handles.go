package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/mutable/resource"
)

// imageHandle is a server-side reference to an image being built.
type imageHandle struct {
	id         string
	instanceID uint32
	done       chan struct{}
	image      *resource.Image
	err        error
	created    time.Time
	lastUsed   time.Time
}

// HandleStore maps opaque string IDs to images built in the background.
type HandleStore struct {
	mu      sync.Mutex
	handles map[string]*imageHandle
	worker  *SystemWorker
}

// NewHandleStore creates a new handle store.
func NewHandleStore(worker *SystemWorker) *HandleStore {
	return &HandleStore{
		handles: make(map[string]*imageHandle),
		worker:  worker,
	}
}

// Start begins building an image and returns an opaque handle ID. The
// build is queued on the worker like any other call.
func (s *HandleStore) Start(req ResourceRequest) string {
	now := time.Now()
	h := &imageHandle{
		id:         uuid.NewString(),
		instanceID: req.InstanceID,
		done:       make(chan struct{}),
		created:    now,
		lastUsed:   now,
	}

	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	go func() {
		h.image, h.err = getImage(s.worker, req)
		close(h.done)
	}()
	return h.id
}

// Await waits for the image of a handle and releases the handle. The
// second result is false if the handle doesn't exist.
func (s *HandleStore) Await(ctx context.Context, id string) (*resource.Image, bool, error) {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		h.lastUsed = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
	s.Release(id)
	return h.image, true, h.err
}

// Release removes a handle. A build still running finishes unobserved.
func (s *HandleStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}

// ReleaseInstance releases all handles of an instance.
func (s *HandleStore) ReleaseInstance(instanceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, h := range s.handles {
		if h.instanceID == instanceID {
			delete(s.handles, id)
		}
	}
}

// Len returns the number of live handles.
func (s *HandleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Sweep removes handles that haven't been accessed within the TTL.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			delete(s.handles, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("swept %d stale image handles", removed)
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
