package transfer

import (
	"sync"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// SessionRegistry maps transfer_id -> *types.TransferSession,
// inserted when a transfer begins and removed on completion. On
// shutdown PauseAll marks unfinished sessions PAUSED and keeps them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*types.TransferSession
}

// NewSessionRegistry returns an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*types.TransferSession)}
}

// Insert registers a new transfer session, keyed by TransferID.
func (r *SessionRegistry) Insert(session *types.TransferSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.TransferID] = session
}

// Get looks up a transfer session by id.
func (r *SessionRegistry) Get(transferID string) (*types.TransferSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[transferID]
	return s, ok
}

// Remove deletes a transfer session, called once it has COMPLETED.
func (r *SessionRegistry) Remove(transferID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, transferID)
}

// PauseAll transitions every tracked session to PAUSED, preserving
// current_index/seeked, for use as a Node shutdown hook.
func (r *SessionRegistry) PauseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.State != types.Completed && s.State != types.Failed {
			s.State = types.Paused
		}
	}
}
