// Copyright 2024-2026 Aiku AI

package connector

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// WriteTarget is the resolved Mattermost channel a pair posts into.
type WriteTarget struct {
	ChannelID   string
	TeamID      string
	DisplayName string
}

// ChannelPair binds one Mattermost channel to one SBS room and owns the
// correlation cache for messages relayed between them.
type ChannelPair struct {
	LocalChannelID string
	RemoteRoomID   int64
	Cache          *CorrelationCache

	mu     sync.Mutex
	target *WriteTarget
}

// Target returns the cached write target, if it has been resolved.
func (p *ChannelPair) Target() *WriteTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// SetTarget caches the resolved write target.
func (p *ChannelPair) SetTarget(t *WriteTarget) {
	p.mu.Lock()
	p.target = t
	p.mu.Unlock()
}

// ChannelBinding is the persisted form of a ChannelPair.
type ChannelBinding struct {
	LocalChannelID string `json:"local_channel_id" yaml:"local_channel_id"`
	RemoteRoomID   int64  `json:"remote_room_id" yaml:"remote_room_id"`
}

// Registry holds every bound channel pair. It never persists itself; the
// snapshot loop reads Bindings.
type Registry struct {
	mu       sync.RWMutex
	pairs    map[string]*ChannelPair
	capacity int
	log      zerolog.Logger
}

// NewRegistry creates an empty registry whose pairs get caches of the given
// capacity.
func NewRegistry(capacity int, log zerolog.Logger) *Registry {
	return &Registry{
		pairs:    make(map[string]*ChannelPair),
		capacity: capacity,
		log:      log,
	}
}

// Bind creates or replaces the pair for localID. Rebinding always starts
// with an empty correlation cache.
func (r *Registry) Bind(localID string, remoteID int64) *ChannelPair {
	pair := &ChannelPair{
		LocalChannelID: localID,
		RemoteRoomID:   remoteID,
		Cache:          NewCorrelationCache(r.capacity),
	}
	r.mu.Lock()
	prev, replaced := r.pairs[localID]
	r.pairs[localID] = pair
	r.mu.Unlock()

	evt := r.log.Info().Str("channel_id", localID).Int64("room_id", remoteID)
	if replaced {
		evt = evt.Int64("previous_room_id", prev.RemoteRoomID)
	}
	evt.Msg("Bound channel")
	return pair
}

// UnbindByLocal removes the pair for a Mattermost channel.
func (r *Registry) UnbindByLocal(localID string) bool {
	r.mu.Lock()
	_, ok := r.pairs[localID]
	delete(r.pairs, localID)
	r.mu.Unlock()
	if ok {
		r.log.Info().Str("channel_id", localID).Msg("Unbound channel")
	}
	return ok
}

// UnbindByRemote removes the first pair bound to an SBS room. Not finding
// one is logged and otherwise ignored.
func (r *Registry) UnbindByRemote(remoteID int64) bool {
	r.mu.Lock()
	var found string
	for id, p := range r.pairs {
		if p.RemoteRoomID == remoteID {
			found = id
			break
		}
	}
	if found != "" {
		delete(r.pairs, found)
	}
	r.mu.Unlock()

	if found == "" {
		r.log.Warn().Int64("room_id", remoteID).Msg("No channel bound to room, nothing to unbind")
		return false
	}
	r.log.Info().Str("channel_id", found).Int64("room_id", remoteID).Msg("Unbound channel")
	return true
}

// FindByLocal returns the pair for a Mattermost channel, or nil.
func (r *Registry) FindByLocal(localID string) *ChannelPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pairs[localID]
}

// FindByRemote returns any pair bound to an SBS room, or nil.
func (r *Registry) FindByRemote(remoteID int64) *ChannelPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pairs {
		if p.RemoteRoomID == remoteID {
			return p
		}
	}
	return nil
}

// FindAllByRemote returns every pair bound to an SBS room. A room can fan
// out to several Mattermost channels.
func (r *Registry) FindAllByRemote(remoteID int64) []*ChannelPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ChannelPair
	for _, p := range r.pairs {
		if p.RemoteRoomID == remoteID {
			out = append(out, p)
		}
	}
	return out
}

// All returns a snapshot of every pair.
func (r *Registry) All() []*ChannelPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ChannelPair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

// Len returns the number of bound channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pairs)
}

// Bindings returns the persistable form of every pair.
func (r *Registry) Bindings() []ChannelBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChannelBinding, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, ChannelBinding{LocalChannelID: p.LocalChannelID, RemoteRoomID: p.RemoteRoomID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalChannelID < out[j].LocalChannelID })
	return out
}

// Restore binds every persisted pair, replacing existing bindings for the
// same channels.
func (r *Registry) Restore(bindings []ChannelBinding) {
	for _, b := range bindings {
		if b.LocalChannelID == "" {
			continue
		}
		r.Bind(b.LocalChannelID, b.RemoteRoomID)
	}
}
