package adapter

import (
	"sync"

	"github.com/google/uuid"
)

// SentVoiceState records one SendVoiceStateUpdate call, for assertions
// in tests and the CLI demo.
type SentVoiceState struct {
	GuildID   string
	ChannelID *string
	SelfMute  bool
	SelfDeaf  bool
}

// Mock is an in-memory Adapter for tests and the voicelinkctl demo. It
// never talks to a real main gateway; callers drive
// InjectVoiceServerUpdate/InjectVoiceStateUpdate to simulate Discord's
// dispatches, and read Sent to inspect outgoing op 4 payloads.
//
// Mock is safe for concurrent use.
type Mock struct {
	mu sync.Mutex

	Sent []SentVoiceState

	serverSubs map[string]func(VoiceServerUpdate)
	stateSubs  map[string]func(VoiceStateUpdate)

	destroyed bool
}

// NewMock creates a ready-to-use Mock adapter.
func NewMock() *Mock {
	return &Mock{
		serverSubs: make(map[string]func(VoiceServerUpdate)),
		stateSubs:  make(map[string]func(VoiceStateUpdate)),
	}
}

func (m *Mock) SendVoiceStateUpdate(guildID string, channelID *string, selfMute, selfDeaf bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var copied *string
	if channelID != nil {
		c := *channelID
		copied = &c
	}
	m.Sent = append(m.Sent, SentVoiceState{GuildID: guildID, ChannelID: copied, SelfMute: selfMute, SelfDeaf: selfDeaf})
	return nil
}

func (m *Mock) OnVoiceServerUpdate(cb func(VoiceServerUpdate)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.serverSubs[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.serverSubs, id)
	}
}

func (m *Mock) OnVoiceStateUpdate(cb func(VoiceStateUpdate)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.stateSubs[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

func (m *Mock) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = true
}

// InjectVoiceServerUpdate simulates the main gateway dispatching
// VOICE_SERVER_UPDATE to every subscriber.
func (m *Mock) InjectVoiceServerUpdate(ev VoiceServerUpdate) {
	m.mu.Lock()
	subs := make([]func(VoiceServerUpdate), 0, len(m.serverSubs))
	for _, cb := range m.serverSubs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	for _, cb := range subs {
		cb(ev)
	}
}

// InjectVoiceStateUpdate simulates the main gateway dispatching
// VOICE_STATE_UPDATE to every subscriber.
func (m *Mock) InjectVoiceStateUpdate(ev VoiceStateUpdate) {
	m.mu.Lock()
	subs := make([]func(VoiceStateUpdate), 0, len(m.stateSubs))
	for _, cb := range m.stateSubs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	for _, cb := range subs {
		cb(ev)
	}
}

// LastSent returns the most recent SendVoiceStateUpdate call, or the
// zero value if none happened yet.
func (m *Mock) LastSent() (SentVoiceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return SentVoiceState{}, false
	}
	return m.Sent[len(m.Sent)-1], true
}

// SentCount returns how many SendVoiceStateUpdate calls have happened
// so far, for tests that need to detect a second op 4 (e.g. a full
// restart reissuing the join).
func (m *Mock) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
