package delivery

import (
	"math"
	"path"

	"github.com/hcom-sh/hcom/internal/store"
)

// Built-in subscription presets.
const (
	PresetCollision = "collision"
	PresetCreated   = "created"
	PresetStopped   = "stopped"
	PresetBlocked   = "blocked"
	PresetIdle      = "idle"
)

// collisionWindow is how close two file events for the same path by
// different instances must be to count as a collision.
const collisionWindow = 20.0 // seconds

// Subscription is one active filter over the event stream. Exactly one
// field is normally set; a subscription with several set requires all
// of them to match.
type Subscription struct {
	Preset string `json:"preset,omitempty"`
	Glob   string `json:"glob,omitempty"`
	Agent  string `json:"agent,omitempty"`
	Action string `json:"action,omitempty"`
}

func (s Subscription) isZero() bool {
	return s == Subscription{}
}

// KnownPreset reports whether name is a built-in preset.
func KnownPreset(name string) bool {
	switch name {
	case PresetCollision, PresetCreated, PresetStopped, PresetBlocked, PresetIdle:
		return true
	}
	return false
}

// Subscribe records a subscription as a first-class event owned by the
// instance.
func Subscribe(st *store.Store, owner string, sub Subscription) (int64, error) {
	return st.LogEvent(store.TypeSubscription, owner, map[string]any{
		"action": "subscribe",
		"filter": subMap(sub),
	})
}

// Unsubscribe records the removal of a matching subscription.
func Unsubscribe(st *store.Store, owner string, sub Subscription) (int64, error) {
	return st.LogEvent(store.TypeSubscription, owner, map[string]any{
		"action": "unsubscribe",
		"filter": subMap(sub),
	})
}

// ActiveSubscriptions folds the instance's subscription events into
// its current filter set.
func ActiveSubscriptions(st *store.Store, owner string) ([]Subscription, error) {
	events, err := st.Events(store.EventFilter{
		Types:    []string{store.TypeSubscription},
		Instance: owner,
	})
	if err != nil {
		return nil, err
	}

	var active []Subscription
	for _, e := range events {
		sub := decodeSub(e.Data["filter"])
		if sub.isZero() {
			continue
		}
		switch e.Data["action"] {
		case "subscribe":
			if !containsSub(active, sub) {
				active = append(active, sub)
			}
		case "unsubscribe":
			active = removeSub(active, sub)
		}
	}
	return active, nil
}

// matchesAny reports whether any of the instance's subscriptions
// selects the event. Matching is deterministic and never consumes the
// subscription.
func matchesAny(st *store.Store, subs []Subscription, e *store.Event) bool {
	for _, sub := range subs {
		if matches(st, sub, e) {
			return true
		}
	}
	return false
}

func matches(st *store.Store, sub Subscription, e *store.Event) bool {
	if sub.Agent != "" && e.Instance != sub.Agent {
		return false
	}
	if sub.Glob != "" {
		p, _ := e.Data["path"].(string)
		if p == "" {
			return false
		}
		if ok, err := path.Match(sub.Glob, p); err != nil || !ok {
			return false
		}
	}
	if sub.Action != "" {
		if a, _ := e.Data["action"].(string); a != sub.Action {
			return false
		}
	}
	if sub.Preset != "" && !presetMatches(st, sub.Preset, e) {
		return false
	}
	return true
}

func presetMatches(st *store.Store, preset string, e *store.Event) bool {
	action, _ := e.Data["action"].(string)
	switch preset {
	case PresetCreated:
		return e.Type == store.TypeLife && action == "created"
	case PresetStopped:
		return e.Type == store.TypeLife && action == "stopped"
	case PresetBlocked:
		to, _ := e.Data["to"].(string)
		return e.Type == store.TypeStatus && to == store.StatusBlocked
	case PresetIdle:
		to, _ := e.Data["to"].(string)
		return e.Type == store.TypeStatus && to == store.StatusListening
	case PresetCollision:
		return collisionMatches(st, e)
	}
	return false
}

// collisionMatches reports whether e is a file event whose path was
// touched by a different instance within the collision window.
func collisionMatches(st *store.Store, e *store.Event) bool {
	if e.Type != store.TypeFile {
		return false
	}
	p, _ := e.Data["path"].(string)
	if p == "" {
		return false
	}
	peers, err := st.FileEventsForPath(p, 50)
	if err != nil {
		return false
	}
	ts := e.TimestampEpoch()
	for _, peer := range peers {
		if peer.ID == e.ID || peer.Instance == e.Instance {
			continue
		}
		if math.Abs(peer.TimestampEpoch()-ts) <= collisionWindow {
			return true
		}
	}
	return false
}

func subMap(s Subscription) map[string]any {
	m := map[string]any{}
	if s.Preset != "" {
		m["preset"] = s.Preset
	}
	if s.Glob != "" {
		m["glob"] = s.Glob
	}
	if s.Agent != "" {
		m["agent"] = s.Agent
	}
	if s.Action != "" {
		m["action"] = s.Action
	}
	return m
}

func decodeSub(v any) Subscription {
	m, ok := v.(map[string]any)
	if !ok {
		return Subscription{}
	}
	var s Subscription
	s.Preset, _ = m["preset"].(string)
	s.Glob, _ = m["glob"].(string)
	s.Agent, _ = m["agent"].(string)
	s.Action, _ = m["action"].(string)
	return s
}

func containsSub(subs []Subscription, s Subscription) bool {
	for _, have := range subs {
		if have == s {
			return true
		}
	}
	return false
}

func removeSub(subs []Subscription, s Subscription) []Subscription {
	out := subs[:0]
	for _, have := range subs {
		if have != s {
			out = append(out, have)
		}
	}
	return out
}
