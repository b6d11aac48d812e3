package registry

import (
	"context"
	"sort"
	"time"
)

// SessionState is the lifecycle phase of a session. States are ordered;
// transitions must be monotonic and ENDED is terminal.
type SessionState int

const (
	StateListening SessionState = iota
	StateProcessing
	StateSpeaking
	StateEnded
)

// String returns the wire representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeaking:
		return "SPEAKING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Session is the ephemeral unit of a single user turn, owned exclusively by
// the [Registry]. All mutation happens through Registry methods; accessors on
// Session are safe for concurrent use once the value has been handed out.
type Session struct {
	// ID is either the client-supplied session id from the wake frame or a
	// server-generated UUID.
	ID string

	// DeviceID never changes for the lifetime of the session.
	DeviceID string

	RoomID int64

	// Keyword and Confidence echo the wake-word detection that opened the
	// session, when there was one.
	Keyword    string
	Confidence float64

	CreatedAt time.Time

	reg *Registry

	// Mutable fields below are guarded by reg.mu.
	state         SessionState
	chunks        map[int][]byte
	totalBytes    int
	transcript    string
	transcriptSet bool
	timer         *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	return s.state
}

// Transcript returns the assembled transcript, or "" while unset.
func (s *Session) Transcript() string {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	return s.transcript
}

// Context is cancelled when the session ends for any reason. Every streaming
// LLM call, tool call, and TTS call on behalf of this session must observe it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// assembleAudio concatenates buffered chunks in sequence order and reports
// whether the sequence numbers have gaps. Gaps are joined best-effort, never
// zero-filled. Must be called with reg.mu held.
func (s *Session) assembleAudio() (data []byte, gap bool) {
	if len(s.chunks) == 0 {
		return nil, false
	}
	seqs := make([]int, 0, len(s.chunks))
	for seq := range s.chunks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	data = make([]byte, 0, s.totalBytes)
	prev := seqs[0]
	for i, seq := range seqs {
		if i > 0 && seq != prev+1 {
			gap = true
		}
		data = append(data, s.chunks[seq]...)
		prev = seq
	}
	return data, gap
}

// stopTimer cancels the pending lifecycle timer, if any. Must be called with
// reg.mu held.
func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
