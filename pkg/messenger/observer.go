package messenger

import (
	"sort"
	"sync"
)

// AnyCode matches every event code in Observe and Ignore.
const AnyCode = ^uint32(0)

// Event is a decoded application event.
type Event struct {
	Code   uint32
	Sender Object
	Target Object
	Time   uint32
	Data   []byte

	// Source names the stream the event arrived on.
	Source string
}

// Observer receives events it subscribed to.
type Observer interface {
	OnEvent(ev *Event)
}

type observation struct {
	target Observer
	sender Object
	seq    uint64
}

// Observers maps event codes to (observer, sender) subscriptions. AnyCode
// subscriptions live under their own key and join every match.
type Observers struct {
	mu     sync.RWMutex
	byCode map[uint32][]observation
	next   uint64
	n      int
}

// NewObservers creates an empty list.
func NewObservers() *Observers {
	return &Observers{byCode: make(map[uint32][]observation)}
}

// Observe subscribes target to events with code, optionally only those sent
// by sender. It reports false if the subscription already existed.
func (o *Observers) Observe(target Observer, code uint32, sender Object) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byCode == nil {
		o.byCode = make(map[uint32][]observation)
	}
	for _, ob := range o.byCode[code] {
		if ob.target == target && ob.sender == sender {
			return false
		}
	}
	o.byCode[code] = append(o.byCode[code], observation{target: target, sender: sender, seq: o.next})
	o.next++
	o.n++
	return true
}

// Ignore drops target's subscriptions for code (AnyCode for all codes) and
// sender (nil for all senders). It returns how many were dropped.
func (o *Observers) Ignore(target Observer, code uint32, sender Object) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if code != AnyCode {
		return o.ignore(code, target, sender)
	}
	dropped := 0
	for c := range o.byCode {
		dropped += o.ignore(c, target, sender)
	}
	return dropped
}

func (o *Observers) ignore(code uint32, target Observer, sender Object) int {
	list := o.byCode[code]
	kept := list[:0]
	for _, ob := range list {
		if ob.target == target && (sender == nil || ob.sender == sender) {
			continue
		}
		kept = append(kept, ob)
	}
	for i := len(kept); i < len(list); i++ {
		list[i] = observation{}
	}
	dropped := len(list) - len(kept)
	if len(kept) == 0 {
		delete(o.byCode, code)
	} else {
		o.byCode[code] = kept
	}
	o.n -= dropped
	return dropped
}

// Match returns the observers of an event, in subscription order, each once.
func (o *Observers) Match(code uint32, sender Object) []Observer {
	o.mu.RLock()
	exact, wild := o.byCode[code], o.byCode[AnyCode]
	if code == AnyCode {
		wild = nil
	}
	var hits []observation
	for _, list := range [][]observation{exact, wild} {
		for _, ob := range list {
			if ob.sender == nil || ob.sender == sender {
				hits = append(hits, ob)
			}
		}
	}
	o.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	var out []Observer
	seen := make(map[Observer]bool, len(hits))
	for _, ob := range hits {
		if !seen[ob.target] {
			seen[ob.target] = true
			out = append(out, ob.target)
		}
	}
	return out
}

// Dispatch delivers ev to its observers and returns how many received it.
func (o *Observers) Dispatch(ev *Event) int {
	targets := o.Match(ev.Code, ev.Sender)
	for _, t := range targets {
		t.OnEvent(ev)
	}
	return len(targets)
}

// Len returns the number of subscriptions.
func (o *Observers) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.n
}

// Observe subscribes target on the messenger's observer list.
func (m *Messenger) Observe(target Observer, code uint32, sender Object) bool {
	return m.obs.Observe(target, code, sender)
}

// Ignore drops subscriptions from the messenger's observer list.
func (m *Messenger) Ignore(target Observer, code uint32, sender Object) int {
	return m.obs.Ignore(target, code, sender)
}

// Observers returns who would receive an event with code from sender.
func (m *Messenger) Observers(code uint32, sender Object) []Observer {
	return m.obs.Match(code, sender)
}

// Dispatch delivers a locally raised event to observers and event hooks.
func (m *Messenger) Dispatch(ev *Event) int {
	n := m.obs.Dispatch(ev)
	m.hookMu.RLock()
	hooks := m.onEvent
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
	return n
}
