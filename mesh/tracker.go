package mesh

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"meshrelay/models"
)

const presenceSeparator = "_"

var errMalformedPresence = errors.New("mesh: malformed presence payload")

// Tracker maps peer ids to their latest presence heartbeat.
type Tracker struct {
	mu      sync.RWMutex
	members map[string]models.Member
}

// NewTracker returns an empty membership tracker.
func NewTracker() *Tracker {
	return &Tracker{members: make(map[string]models.Member)}
}

// Update records a heartbeat. Heartbeats older than the stored one are
// ignored so flooded copies arriving out of order never regress liveness.
// It reports whether the peer was not listed before.
func (t *Tracker) Update(peerID, displayName string, lastSeen int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.members[peerID]
	if ok && lastSeen <= existing.LastSeen {
		return false
	}
	t.members[peerID] = models.Member{PeerID: peerID, DisplayName: displayName, LastSeen: lastSeen}
	return !ok
}

// PruneExpired removes members whose last heartbeat is more than timeout
// before now and returns them.
func (t *Tracker) PruneExpired(timeout time.Duration, now time.Time) []models.Member {
	cutoff := timeout.Milliseconds()
	nowMillis := now.UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []models.Member
	for id, member := range t.members {
		if nowMillis-member.LastSeen > cutoff {
			removed = append(removed, member)
			delete(t.members, id)
		}
	}
	sortMembers(removed)
	return removed
}

// Get returns one member.
func (t *Tracker) Get(peerID string) (models.Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	member, ok := t.members[peerID]
	return member, ok
}

// List returns all members, most recently seen first.
func (t *Tracker) List() []models.Member {
	t.mu.RLock()
	out := make([]models.Member, 0, len(t.members))
	for _, member := range t.members {
		out = append(out, member)
	}
	t.mu.RUnlock()

	sortMembers(out)
	return out
}

// Len returns the number of members.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

func sortMembers(members []models.Member) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].LastSeen != members[j].LastSeen {
			return members[i].LastSeen > members[j].LastSeen
		}
		return members[i].PeerID < members[j].PeerID
	})
}

func formatPresence(timestamp int64, displayName string) string {
	return strconv.FormatInt(timestamp, 10) + presenceSeparator + displayName
}

// parsePresence splits "{timestamp}_{name}" on the first separator only. An
// unparsable timestamp falls back to fallback.
func parsePresence(payload string, fallback int64) (int64, string, error) {
	parts := strings.SplitN(payload, presenceSeparator, 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w: %q", errMalformedPresence, payload)
	}
	timestamp, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		timestamp = fallback
	}
	return timestamp, parts[1], nil
}
