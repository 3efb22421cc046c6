// Copyright 2024-2026 Aiku AI

package connector

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aiku/mattermost-sbs/pkg/sbs"
)

// DefaultCorrelationCapacity is the number of message pairs remembered per
// channel when the config does not say otherwise.
const DefaultCorrelationCapacity = 500

// Correlation links a Mattermost post to the SBS comment it mirrors, or the
// other way around.
type Correlation struct {
	LocalMessageID string
	Comment        *sbs.Comment
	CreatedAt      time.Time
}

// CorrelationCache is a bounded bidirectional map between Mattermost post
// ids and SBS comments. Both directions share one recency order, so an
// evicted pair disappears from both sides at once.
type CorrelationCache struct {
	mu       sync.Mutex
	byLocal  *lru.Cache[string, *Correlation]
	byRemote map[int64]string
}

// NewCorrelationCache creates a cache holding at most capacity pairs.
func NewCorrelationCache(capacity int) *CorrelationCache {
	if capacity <= 0 {
		capacity = DefaultCorrelationCapacity
	}
	cc := &CorrelationCache{byRemote: make(map[int64]string, capacity)}
	// lru.New only fails for a non-positive size.
	cc.byLocal, _ = lru.NewWithEvict(capacity, cc.onEvict)
	return cc
}

// onEvict runs inside Add, with mu already held.
func (cc *CorrelationCache) onEvict(localID string, entry *Correlation) {
	if entry.Comment != nil && cc.byRemote[entry.Comment.ID] == localID {
		delete(cc.byRemote, entry.Comment.ID)
	}
}

// RecordOutgoing stores a Mattermost post that was relayed as comment.
func (cc *CorrelationCache) RecordOutgoing(localMessageID string, comment *sbs.Comment) {
	cc.record(localMessageID, comment)
}

// RecordIncoming stores a comment that was relayed as a Mattermost post.
func (cc *CorrelationCache) RecordIncoming(comment *sbs.Comment, localMessageID string) {
	cc.record(localMessageID, comment)
}

func (cc *CorrelationCache) record(localID string, comment *sbs.Comment) {
	if localID == "" || comment == nil {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if prev, ok := cc.byRemote[comment.ID]; ok && prev != localID {
		cc.byLocal.Remove(prev)
	}
	if old, ok := cc.byLocal.Peek(localID); ok && old.Comment != nil && old.Comment.ID != comment.ID {
		delete(cc.byRemote, old.Comment.ID)
	}
	cc.byLocal.Add(localID, &Correlation{
		LocalMessageID: localID,
		Comment:        comment.Clone(),
		CreatedAt:      time.Now(),
	})
	cc.byRemote[comment.ID] = localID
}

// LookupByLocal returns the comment paired with a Mattermost post id. A miss
// is normal: the pair may have been evicted or never bridged.
func (cc *CorrelationCache) LookupByLocal(localMessageID string) (*sbs.Comment, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	entry, ok := cc.byLocal.Get(localMessageID)
	if !ok {
		return nil, false
	}
	return entry.Comment.Clone(), true
}

// LookupByRemote returns the Mattermost post id paired with a comment id.
func (cc *CorrelationCache) LookupByRemote(commentID int64) (string, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	localID, ok := cc.byRemote[commentID]
	if !ok {
		return "", false
	}
	if _, ok = cc.byLocal.Get(localID); !ok {
		delete(cc.byRemote, commentID)
		return "", false
	}
	return localID, true
}

// Len returns the number of remembered pairs.
func (cc *CorrelationCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.byLocal.Len()
}
