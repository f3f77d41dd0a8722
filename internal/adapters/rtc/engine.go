// Package rtc adapts the media-engine boundary. LocalEngine is the
// in-process implementation: it tracks per-feed negotiation artifacts and
// buffered ICE candidates but performs no media relay.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/roomsig/roomsig/internal/core"
)

type feedMedia struct {
	sdp        string
	subscribed uint64 // publisher feed for subscriber-side entries
	candidates []webrtc.ICECandidateInit
}

type LocalEngine struct {
	mu    sync.Mutex
	feeds map[uint64]*feedMedia
}

var _ core.Engine = (*LocalEngine)(nil)

func NewLocalEngine() *LocalEngine {
	return &LocalEngine{feeds: make(map[uint64]*feedMedia)}
}

func (e *LocalEngine) Publish(feed uint64, sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fm := e.feed(feed)
	fm.sdp = sdp
	log.Debug().Str("module", "rtc").Uint64("feed", feed).Msg("publish")
	return nil
}

func (e *LocalEngine) Subscribe(subscriber, publisher uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fm := e.feed(subscriber)
	fm.subscribed = publisher
	log.Debug().Str("module", "rtc").Uint64("feed", subscriber).Uint64("publisher", publisher).Msg("subscribe")
	return nil
}

func (e *LocalEngine) Start(feed uint64, sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fm := e.feed(feed)
	fm.sdp = sdp
	log.Debug().Str("module", "rtc").Uint64("feed", feed).Msg("start")
	return nil
}

func (e *LocalEngine) Candidate(feed uint64, cand webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fm := e.feed(feed)
	fm.candidates = append(fm.candidates, cand)
	log.Debug().Str("module", "rtc").Uint64("feed", feed).Str("candidate", cand.Candidate).Msg("trickle candidate")
	return nil
}

func (e *LocalEngine) CloseFeed(feed uint64) {
	e.mu.Lock()
	delete(e.feeds, feed)
	e.mu.Unlock()
	log.Debug().Str("module", "rtc").Uint64("feed", feed).Msg("feed closed")
}

// Candidates returns the buffered trickle candidates for a feed.
func (e *LocalEngine) Candidates(feed uint64) []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	fm, ok := e.feeds[feed]
	if !ok {
		return nil
	}
	out := make([]webrtc.ICECandidateInit, len(fm.candidates))
	copy(out, fm.candidates)
	return out
}

// feed runs with e.mu held.
func (e *LocalEngine) feed(id uint64) *feedMedia {
	fm, ok := e.feeds[id]
	if !ok {
		fm = &feedMedia{}
		e.feeds[id] = fm
	}
	return fm
}
