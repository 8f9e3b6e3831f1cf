package voicelink

import (
	"sync"

	"github.com/google/uuid"
)

// Observer receives lifecycle notifications from a Supervisor through
// an explicit interface rather than a typed event bus. Every method
// must return promptly; Supervisor delivers callbacks synchronously on
// whichever goroutine raised the event (the caller's, the gateway read
// loop, or a reconnect goroutine) and does not protect against a slow
// Observer.
type Observer interface {
	StateChange(old, new SupervisorState)
	Ready(session VoiceSession)
	Error(err *Error)
	Disconnected(reason string)
	Reconnecting(attempt int)
	Debug(message string)
	Packet(sequence uint16, timestamp uint32, payloadLen int)
}

// NopObserver implements Observer with no-op methods, suitable for
// embedding to satisfy partial implementations.
type NopObserver struct{}

func (NopObserver) StateChange(SupervisorState, SupervisorState) {}
func (NopObserver) Ready(VoiceSession)                           {}
func (NopObserver) Error(*Error)                                 {}
func (NopObserver) Disconnected(string)                          {}
func (NopObserver) Reconnecting(int)                             {}
func (NopObserver) Debug(string)                                 {}
func (NopObserver) Packet(uint16, uint32, int)                   {}

// observerSet is a thread-safe multicast registry of Observers.
type observerSet struct {
	mu   sync.Mutex
	subs map[string]Observer
}

func newObserverSet() *observerSet {
	return &observerSet{subs: make(map[string]Observer)}
}

// Add registers an Observer and returns an unsubscribe function.
func (o *observerSet) Add(obs Observer) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := uuid.NewString()
	o.subs[id] = obs
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func (o *observerSet) snapshot() []Observer {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Observer, 0, len(o.subs))
	for _, obs := range o.subs {
		out = append(out, obs)
	}
	return out
}

func (o *observerSet) stateChange(old, new SupervisorState) {
	for _, obs := range o.snapshot() {
		obs.StateChange(old, new)
	}
}

func (o *observerSet) ready(session VoiceSession) {
	for _, obs := range o.snapshot() {
		obs.Ready(session)
	}
}

func (o *observerSet) error(err *Error) {
	for _, obs := range o.snapshot() {
		obs.Error(err)
	}
}

func (o *observerSet) disconnected(reason string) {
	for _, obs := range o.snapshot() {
		obs.Disconnected(reason)
	}
}

func (o *observerSet) reconnecting(attempt int) {
	for _, obs := range o.snapshot() {
		obs.Reconnecting(attempt)
	}
}

func (o *observerSet) debug(message string) {
	for _, obs := range o.snapshot() {
		obs.Debug(message)
	}
}

func (o *observerSet) packet(sequence uint16, timestamp uint32, payloadLen int) {
	for _, obs := range o.snapshot() {
		obs.Packet(sequence, timestamp, payloadLen)
	}
}
