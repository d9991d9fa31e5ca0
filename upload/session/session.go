// Package session tracks the client side state of one server upload session.
package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/transcribe-hub/go-upload/upload/uploaderr"
)

// State ...
type State int

// Session states. Completed and Failed are terminal.
const (
	Initialized State = iota
	Transferring
	Completing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Transferring:
		return "transferring"
	case Completing:
		return "completing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is legal from s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

var transitions = map[State][]State{
	Initialized:  {Transferring, Failed},
	Transferring: {Completing, Failed},
	Completing:   {Completed, Failed},
}

// Snapshot is a consistent view of a session's progress.
type Snapshot struct {
	State          State
	UploadedChunks int
	TotalChunks    int
}

// Percent returns the share of acknowledged chunks in the range [0, 100].
func (s Snapshot) Percent() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(s.UploadedChunks) * 100 / float64(s.TotalChunks)
}

// Observer is notified after every change of a session. Snapshots passed to one observer
// never go backwards, even when chunks are acknowledged concurrently.
type Observer func(Snapshot)

// Session is one file's in-flight transfer. The uploaded index set only grows.
type Session struct {
	id          string
	fileMD5     string
	chunkSize   int64
	totalChunks int

	mu       sync.RWMutex
	state    State
	uploaded map[int]struct{}
	failure  error

	notifyMu     sync.Mutex
	observer     Observer
	lastNotified Snapshot
}

// New creates a session in the Initialized state.
func New(id, fileMD5 string, chunkSize int64, totalChunks int, observer Observer) (*Session, error) {
	if id == "" {
		return nil, uploaderr.Newf(uploaderr.ErrValidation, "new session", "upload id is empty")
	}
	if chunkSize <= 0 {
		return nil, uploaderr.Newf(uploaderr.ErrValidation, "new session", "chunk size must be positive, got %d", chunkSize)
	}
	if totalChunks <= 0 {
		return nil, uploaderr.Newf(uploaderr.ErrValidation, "new session", "total chunks must be positive, got %d", totalChunks)
	}

	return &Session{
		id:          id,
		fileMD5:     fileMD5,
		chunkSize:   chunkSize,
		totalChunks: totalChunks,
		state:       Initialized,
		uploaded:    make(map[int]struct{}, totalChunks),
		observer:    observer,
	}, nil
}

// ID returns the server issued upload id.
func (s *Session) ID() string {
	return s.id
}

// FileMD5 returns the whole-file digest the session was opened with.
func (s *Session) FileMD5() string {
	return s.fileMD5
}

// ChunkSize returns the server advised chunk size.
func (s *Session) ChunkSize() int64 {
	return s.chunkSize
}

// TotalChunks returns the number of chunks of the file.
func (s *Session) TotalChunks() int {
	return s.totalChunks
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the failure that moved the session to Failed.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// Snapshot returns a consistent view of the progress.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Resume merges the indices the server reported as durably stored.
func (s *Session) Resume(indices []int) error {
	s.mu.Lock()
	if s.state.Terminal() || s.state == Completing {
		state := s.state
		s.mu.Unlock()
		return uploaderr.Newf(uploaderr.ErrValidation, "resume", "session %s is %s", s.id, state)
	}
	for _, index := range indices {
		if index < 0 || index >= s.totalChunks {
			s.mu.Unlock()
			return uploaderr.Newf(uploaderr.ErrServer, "resume", "reported chunk %d out of range [0, %d)", index, s.totalChunks)
		}
	}
	for _, index := range indices {
		s.uploaded[index] = struct{}{}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

// Uploaded reports whether the chunk at index was acknowledged.
func (s *Session) Uploaded(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.uploaded[index]
	return ok
}

// Acknowledge records the chunk at index as stored by the server. Acknowledging twice is a no-op.
func (s *Session) Acknowledge(index int) error {
	s.mu.Lock()
	if s.state != Transferring {
		state := s.state
		s.mu.Unlock()
		return uploaderr.Newf(uploaderr.ErrValidation, "acknowledge", "session %s is %s", s.id, state)
	}
	if index < 0 || index >= s.totalChunks {
		s.mu.Unlock()
		return uploaderr.Newf(uploaderr.ErrValidation, "acknowledge", "chunk %d out of range [0, %d)", index, s.totalChunks)
	}
	s.uploaded[index] = struct{}{}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

// Missing returns the indices not acknowledged yet, in ascending order.
func (s *Session) Missing() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missing := make([]int, 0, s.totalChunks-len(s.uploaded))
	for i := 0; i < s.totalChunks; i++ {
		if _, ok := s.uploaded[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// UploadedIndices returns the acknowledged indices in ascending order.
func (s *Session) UploadedIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indices := make([]int, 0, len(s.uploaded))
	for i := range s.uploaded {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// BeginTransfer moves the session from Initialized to Transferring.
func (s *Session) BeginTransfer() error {
	return s.transition(Transferring, nil)
}

// BeginCompleting moves the session to Completing. Every chunk must be acknowledged.
func (s *Session) BeginCompleting() error {
	return s.transition(Completing, nil)
}

// Complete marks the session Completed after the server acknowledged completion.
func (s *Session) Complete() error {
	return s.transition(Completed, nil)
}

// Fail moves the session to Failed, recording cause. Failing a terminal session is rejected.
func (s *Session) Fail(cause error) error {
	return s.transition(Failed, cause)
}

func (s *Session) transition(to State, cause error) error {
	s.mu.Lock()
	from := s.state
	if !allowed(from, to) {
		s.mu.Unlock()
		return uploaderr.Newf(uploaderr.ErrValidation, "transition", "session %s: illegal transition %s -> %s", s.id, from, to)
	}
	if to == Completing || to == Completed {
		if n := len(s.uploaded); n != s.totalChunks {
			s.mu.Unlock()
			return uploaderr.Newf(uploaderr.ErrIncompleteUpload, "transition", "session %s: %d of %d chunks acknowledged", s.id, n, s.totalChunks)
		}
	}
	s.state = to
	if to == Failed {
		s.failure = cause
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

func allowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:          s.state,
		UploadedChunks: len(s.uploaded),
		TotalChunks:    s.totalChunks,
	}
}

func (s *Session) notify(snapshot Snapshot) {
	if s.observer == nil {
		return
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	// A concurrent acknowledgement may arrive here after a newer snapshot; drop it.
	if snapshot.UploadedChunks < s.lastNotified.UploadedChunks || snapshot.State < s.lastNotified.State {
		return
	}
	s.lastNotified = snapshot
	s.observer(snapshot)
}
