// Package scheduler implements the Audio Scheduler (C6): a cooperative
// 20ms pacer that forwards Opus frames from a caller-supplied source
// to one or more subscribed Supervisors, with silence-frame tailing.
package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warmind-io/voicelink/internal/clock"
	"github.com/warmind-io/voicelink/internal/metrics"
)

// State is the Scheduler's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StatePlaying
	StatePaused
	StateAutoPaused
)

// FrameSource supplies Opus frames on demand. NextFrame returns
// (nil, false) when no frame is currently available (this counts as a
// missed frame, not end of stream — the Scheduler has no end-of-stream
// concept; callers that are done should Unsubscribe instead).
type FrameSource interface {
	NextFrame() (frame []byte, ok bool)
}

// FrameSourceFunc adapts a function to a FrameSource.
type FrameSourceFunc func() ([]byte, bool)

func (f FrameSourceFunc) NextFrame() ([]byte, bool) { return f() }

// EmptyBehavior controls what the Scheduler does when a Subscription's
// connection set becomes empty.
type EmptyBehavior int

const (
	// EmptyPause suspends frame production (default).
	EmptyPause EmptyBehavior = iota
	// EmptyPlay continues producing frames with no subscribers.
	EmptyPlay
	// EmptyStop transitions to Idle with the silence tail.
	EmptyStop
)

// AudioSink is the minimal Supervisor surface the Scheduler drives.
type AudioSink interface {
	SendAudio(opus []byte)
}

// silenceFrame is the canonical 3-byte Opus silence payload.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

const (
	tickInterval   = 20 * time.Millisecond
	bufferDeadline = 100 * time.Millisecond
	silenceFrames  = 5
)

// Subscription is one producer/consumer-set pairing managed by a
// Scheduler.
type Subscription struct {
	ID        string
	scheduler *Scheduler

	mu            sync.Mutex
	source        FrameSource
	sinks         map[string]AudioSink
	behavior      EmptyBehavior
	state         State
	missedFrames  int
	maxMissed     int
	bufferStarted time.Time
	silenceLeft   int
}

// Scheduler owns the 20ms ticking loop and the set of subscriptions
// riding on it.
type Scheduler struct {
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Registry

	mu   sync.Mutex
	subs map[string]*Subscription

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler. clk may be a clock.Manual in tests to drive
// ticks deterministically.
func New(clk clock.Clock, log zerolog.Logger, reg *metrics.Registry) *Scheduler {
	return &Scheduler{
		clock:   clk,
		log:     log.With().Str("component", "scheduler").Logger(),
		metrics: reg,
		subs:    make(map[string]*Subscription),
		stopCh:  make(chan struct{}),
	}
}

// Subscribe registers a new frame source with an initial set of
// sinks, starting in Buffering state. maxMissedFrames defaults to 5 if
// <= 0.
func (s *Scheduler) Subscribe(source FrameSource, sinks []AudioSink, behavior EmptyBehavior, maxMissedFrames int) *Subscription {
	if maxMissedFrames <= 0 {
		maxMissedFrames = 5
	}

	sub := &Subscription{
		ID:            uuid.NewString(),
		scheduler:     s,
		source:        source,
		sinks:         make(map[string]AudioSink, len(sinks)),
		behavior:      behavior,
		state:         StateBuffering,
		maxMissed:     maxMissedFrames,
		bufferStarted: s.clock.Now(),
	}
	for _, sink := range sinks {
		sub.sinks[uuid.NewString()] = sink
	}

	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()

	return sub
}

// Unsubscribe stops and removes a subscription.
func (s *Scheduler) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub.ID)
	s.mu.Unlock()
}

// Run drives the 20ms ticking loop until Stop is called. It should be
// run in its own goroutine.
func (s *Scheduler) Run() {
	ticker := s.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C():
			s.tick(now)
		}
	}
}

// Stop halts the ticking loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.tick(now, s)
	}
}

// AddSink adds a consumer to the subscription's connection set.
func (sub *Subscription) AddSink(id string, sink AudioSink) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.sinks[id] = sink
}

// RemoveSink removes a consumer from the connection set, applying
// EmptyBehavior if the set becomes empty.
func (sub *Subscription) RemoveSink(id string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	delete(sub.sinks, id)
	if len(sub.sinks) == 0 {
		sub.onEmptyLocked()
	}
}

func (sub *Subscription) onEmptyLocked() {
	switch sub.behavior {
	case EmptyPause:
		sub.pauseLocked()
	case EmptyStop:
		sub.stopLocked()
	case EmptyPlay:
		// continue producing frames with no subscribers
	}
}

func (sub *Subscription) pauseLocked() {
	if sub.state == StatePlaying {
		sub.startSilenceTailLocked()
	}
	sub.state = StatePaused
}

func (sub *Subscription) stopLocked() {
	if sub.state == StatePlaying {
		sub.startSilenceTailLocked()
	}
	sub.state = StateIdle
}

func (sub *Subscription) startSilenceTailLocked() {
	sub.silenceLeft = silenceFrames
}

// State returns the subscription's current lifecycle state.
func (sub *Subscription) State() State {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state
}

// NotifySpeakingStopped starts the 5-frame silence tail following a
// Speaking(true->false) transition. Call this from the Supervisor when
// speaking turns off.
func (sub *Subscription) NotifySpeakingStopped() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.startSilenceTailLocked()
}

func (sub *Subscription) tick(now time.Time, s *Scheduler) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	switch sub.state {
	case StateBuffering:
		if now.Sub(sub.bufferStarted) >= bufferDeadline {
			sub.state = StatePlaying
		} else {
			return
		}
	case StatePaused, StateIdle, StateAutoPaused:
		if sub.silenceLeft > 0 {
			sub.emitLocked(silenceFrame)
			sub.silenceLeft--
		}
		return
	case StatePlaying:
		// fall through to frame production
	}

	if sub.silenceLeft > 0 {
		sub.emitLocked(silenceFrame)
		sub.silenceLeft--
		return
	}

	frame, ok := sub.source.NextFrame()
	if !ok {
		sub.missedFrames++
		if s.metrics != nil {
			s.metrics.MissedFrames.Inc()
		}
		if sub.missedFrames >= sub.maxMissed {
			sub.startSilenceTailLocked()
			sub.state = StateAutoPaused
		}
		return
	}

	sub.missedFrames = 0
	sub.emitLocked(frame)
}

func (sub *Subscription) emitLocked(frame []byte) {
	for _, sink := range sub.sinks {
		sink.SendAudio(frame)
	}
}
