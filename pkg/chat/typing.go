package chat

import (
	"time"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// DefaultTypingQuiet is how long after the last keystroke stopTyping is sent.
const DefaultTypingQuiet = 800 * time.Millisecond

// TypingCoordinator emits local typing signals and tracks which peers are
// typing to us.
//
// Locally there is one quiet timer per user, not per conversation: a new
// keystroke replaces it. Remotely a peer counts as typing from its typing
// signal until its stopTyping, a peer switch, or a disconnect. With
// remoteTimeout set, an indicator also clears itself after that long without
// a fresh typing signal.
type TypingCoordinator struct {
	me            string
	emit          EmitFunc
	post          func(func())
	after         AfterFunc
	quiet         time.Duration
	remoteTimeout time.Duration
	active        func() string
	notify        notifyFunc

	timer     Stopper
	timerPeer string
	timerGen  uint64

	remote       map[string]bool
	remoteTimers map[string]Stopper
	remoteGen    map[string]uint64
}

func newTypingCoordinator(me string, emit EmitFunc, post func(func()), active func() string) *TypingCoordinator {
	return &TypingCoordinator{
		me:           me,
		emit:         emit,
		post:         post,
		after:        realAfterFunc,
		quiet:        DefaultTypingQuiet,
		active:       active,
		notify:       nopNotify,
		remote:       map[string]bool{},
		remoteTimers: map[string]Stopper{},
		remoteGen:    map[string]uint64{},
	}
}

// Keystroke signals typing to peer and restarts the quiet timer.
func (t *TypingCoordinator) Keystroke(peer string) {
	if peer == "" {
		return
	}
	t.emit(model.EventTyping, model.TypingSignal{SenderID: t.me, ReceiverID: peer})

	if t.timer != nil {
		t.timer.Stop()
		if t.timerPeer != peer {
			t.emitStop(t.timerPeer)
		}
	}
	t.timerGen++
	gen := t.timerGen
	t.timerPeer = peer
	t.timer = t.after(t.quiet, func() {
		t.post(func() { t.expire(gen) })
	})
}

func (t *TypingCoordinator) expire(gen uint64) {
	if t.timer == nil || gen != t.timerGen {
		return
	}
	peer := t.timerPeer
	t.timer, t.timerPeer = nil, ""
	t.emitStop(peer)
}

// Stop ends a typing burst towards peer immediately.
func (t *TypingCoordinator) Stop(peer string) {
	if t.timer != nil {
		t.timer.Stop()
		if t.timerPeer != peer {
			t.emitStop(t.timerPeer)
		}
		t.timer, t.timerPeer = nil, ""
		t.timerGen++
	}
	t.emitStop(peer)
}

func (t *TypingCoordinator) emitStop(peer string) {
	if peer == "" {
		return
	}
	t.emit(model.EventStopTyping, model.TypingSignal{SenderID: t.me, ReceiverID: peer})
}

// OnTyping records a remote typing signal. Only the active peer's typing is
// shown; the active peer is read now, not when the handler was registered.
func (t *TypingCoordinator) OnTyping(sig model.TypingSignal) {
	if sig.SenderID == "" || sig.SenderID != t.active() {
		return
	}
	was := t.remote[sig.SenderID]
	t.remote[sig.SenderID] = true
	t.armRemote(sig.SenderID)
	if !was {
		t.notify(Update{Kind: UpdateTyping, PeerID: sig.SenderID})
	}
}

// OnStopTyping clears the sender's indicator, or all of them when the signal
// does not name a sender.
func (t *TypingCoordinator) OnStopTyping(sig model.TypingSignal) {
	if sig.SenderID == "" {
		t.ResetRemote()
		return
	}
	t.ClearPeer(sig.SenderID)
}

func (t *TypingCoordinator) IsTyping(peer string) bool {
	return t.remote[peer]
}

func (t *TypingCoordinator) ClearPeer(peer string) {
	if s, ok := t.remoteTimers[peer]; ok {
		s.Stop()
		delete(t.remoteTimers, peer)
	}
	if t.remote[peer] {
		delete(t.remote, peer)
		t.notify(Update{Kind: UpdateTyping, PeerID: peer})
	}
}

func (t *TypingCoordinator) ResetRemote() {
	for peer := range t.remote {
		t.ClearPeer(peer)
	}
	for peer, s := range t.remoteTimers {
		s.Stop()
		delete(t.remoteTimers, peer)
	}
}

func (t *TypingCoordinator) armRemote(peer string) {
	if t.remoteTimeout <= 0 {
		return
	}
	if s, ok := t.remoteTimers[peer]; ok {
		s.Stop()
	}
	t.remoteGen[peer]++
	gen := t.remoteGen[peer]
	t.remoteTimers[peer] = t.after(t.remoteTimeout, func() {
		t.post(func() { t.expireRemote(peer, gen) })
	})
}

func (t *TypingCoordinator) expireRemote(peer string, gen uint64) {
	if t.remoteGen[peer] != gen {
		return
	}
	if _, armed := t.remoteTimers[peer]; !armed {
		return
	}
	t.ClearPeer(peer)
}

// Close stops the local timer without emitting.
func (t *TypingCoordinator) Close() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer, t.timerPeer = nil, ""
	}
	for peer, s := range t.remoteTimers {
		s.Stop()
		delete(t.remoteTimers, peer)
	}
}
