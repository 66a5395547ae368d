// Package stream serves streamed rom payloads of models from a SQLite
// store to the virtual machine.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/semaphore"

	"github.com/chazu/mutable/program"
)

var log = commonlog.GetLogger("mutable.stream")

// ErrClosed is returned when a read is started on a closed streamer.
var ErrClosed = errors.New("stream: streamer closed")

// DefaultMaxReads bounds concurrent store reads when none is given.
const DefaultMaxReads = 4

// Streamer reads rom payloads from a RomStore on background goroutines.
// It implements vm.ModelStreamer.
type Streamer struct {
	store *RomStore
	sem   *semaphore.Weighted

	mu     sync.Mutex
	next   uint64
	reads  map[uint64][]byte
	closed bool
	wg     sync.WaitGroup
}

// NewStreamer returns a streamer over store running at most maxReads
// reads at once. maxReads <= 0 means DefaultMaxReads.
func NewStreamer(store *RomStore, maxReads int) *Streamer {
	if maxReads <= 0 {
		maxReads = DefaultMaxReads
	}
	return &Streamer{
		store: store,
		sem:   semaphore.NewWeighted(int64(maxReads)),
		reads: make(map[uint64][]byte),
	}
}

// BeginReadBlock starts reading rom romID of model. done is called once
// the payload is available for EndRead, or with false if it could not
// be read.
func (s *Streamer) BeginReadBlock(model *program.Model, romID uint32, size int, done func(ok bool)) (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.next++
	id := s.next
	s.wg.Add(1)
	s.mu.Unlock()

	name := model.Name
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			done(false)
			return
		}
		data, err := s.store.Get(name, romID)
		s.sem.Release(1)
		if err != nil {
			log.Warningf("reading rom %d of %s (%s): %s", romID, name, humanize.IBytes(uint64(size)), err.Error())
			done(false)
			return
		}
		log.Debugf("read rom %d of %s: %s", romID, name, humanize.IBytes(uint64(len(data))))
		s.mu.Lock()
		s.reads[id] = data
		s.mu.Unlock()
		done(true)
	}()
	return id, nil
}

// EndRead hands over the payload of a finished read. Each read id can
// be ended once.
func (s *Streamer) EndRead(id uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.reads[id]
	delete(s.reads, id)
	return data, ok
}

// Pending returns how many finished reads have not been ended.
func (s *Streamer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reads)
}

// Close refuses new reads and waits for the running ones.
func (s *Streamer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// ImportModel writes the rom payloads of a model into store, checking
// each one against the program's rom table.
func ImportModel(store *RomStore, model *program.Model, payloads map[uint32][]byte) (int, error) {
	known := make(map[uint32]bool, len(model.Program.Roms))
	for _, r := range model.Program.Roms {
		known[r.ID] = true
	}
	for id := range payloads {
		if !known[id] {
			return 0, fmt.Errorf("stream: payload for unknown rom %d of %s", id, model.Name)
		}
	}
	n, err := store.Import(model.Name, payloads)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, data := range payloads {
		total += uint64(len(data))
	}
	log.Infof("imported %d roms of %s: %s", n, model.Name, humanize.IBytes(total))
	return n, nil
}
