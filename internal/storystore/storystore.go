// Package storystore persists received and locally authored stories and
// channels, and answers the queries the event loop's story dedup check and
// the story-sync responder need: "have we already stored this story" and
// "every story in these channels created after this timestamp".
package storystore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/inkmesh/node/internal/storage"
	"github.com/inkmesh/node/internal/wire"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	storyKeyPrefix   = "story/"
	channelKeyPrefix = "channel/"
)

// Store persists PublishedStory and PublishedChannel records under a
// storage.DB, the way discovery.PeerStore persists peer records.
type Store struct {
	db storage.DB
}

// New wraps db as a Store.
func New(db storage.DB) *Store {
	return &Store{db: db}
}

func storyKey(originPeer peer.ID, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%d", storyKeyPrefix, originPeer.String(), id))
}

func channelKey(name string) []byte {
	return []byte(channelKeyPrefix + name)
}

// HasStory reports whether (originPeer, id) has already been persisted,
// the global-uniqueness check behind "deliver exactly one StoryReceived
// regardless of how many paths the story arrived by".
func (s *Store) HasStory(originPeer peer.ID, id uint64) (bool, error) {
	ok, err := s.db.Has(storyKey(originPeer, id))
	if err != nil {
		return false, fmt.Errorf("storystore: has story: %w", err)
	}
	return ok, nil
}

// SaveStory persists ps, keyed by (publisher, story id) so the same story
// republished by a different relay path overwrites rather than duplicates.
func (s *Store) SaveStory(ps wire.PublishedStory) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("storystore: marshal story: %w", err)
	}
	if err := s.db.Put(storyKey(ps.Publisher, ps.Story.ID), data); err != nil {
		return fmt.Errorf("storystore: put story: %w", err)
	}
	return nil
}

// SaveChannel persists pc, keyed by channel name. Channel definitions are
// not versioned: the most recently seen one wins.
func (s *Store) SaveChannel(pc wire.PublishedChannel) error {
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("storystore: marshal channel: %w", err)
	}
	if err := s.db.Put(channelKey(pc.Channel.Name), data); err != nil {
		return fmt.Errorf("storystore: put channel: %w", err)
	}
	return nil
}

// Channels returns every known channel definition.
func (s *Store) Channels() ([]wire.PublishedChannel, error) {
	var out []wire.PublishedChannel
	err := s.db.ForEach([]byte(channelKeyPrefix), func(_, value []byte) error {
		var pc wire.PublishedChannel
		if err := json.Unmarshal(value, &pc); err != nil {
			return nil
		}
		out = append(out, pc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storystore: iterate channels: %w", err)
	}
	return out, nil
}

// StoriesSince returns every persisted story whose Channel is in channels
// and whose CreatedAt is strictly after sinceUnix, oldest first, capped at
// limit. The responder filters server-side per the sync protocol: a
// requester never receives stories outside its own subscription set.
func (s *Store) StoriesSince(channels []string, sinceUnix int64, limit int) ([]wire.PublishedStory, error) {
	wanted := make(map[string]bool, len(channels))
	for _, c := range channels {
		wanted[c] = true
	}

	var matched []wire.PublishedStory
	err := s.db.ForEach([]byte(storyKeyPrefix), func(_, value []byte) error {
		var ps wire.PublishedStory
		if err := json.Unmarshal(value, &ps); err != nil {
			return nil
		}
		if !wanted[ps.Story.Channel] || ps.Story.CreatedAt <= sinceUnix {
			return nil
		}
		matched = append(matched, ps)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storystore: iterate stories: %w", err)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Story.CreatedAt != matched[j].Story.CreatedAt {
			return matched[i].Story.CreatedAt < matched[j].Story.CreatedAt
		}
		return matched[i].Story.ID < matched[j].Story.ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// NextStoryID returns a monotonically increasing, node-local story id by
// scanning the highest id currently stored for originPeer. Used when
// publishing a brand new, locally-authored story.
func (s *Store) NextStoryID(originPeer peer.ID) (uint64, error) {
	prefix := []byte(fmt.Sprintf("%s%s/", storyKeyPrefix, originPeer.String()))
	var max uint64
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		idStr := key[len(prefix):]
		id, err := strconv.ParseUint(string(idStr), 10, 64)
		if err != nil {
			return nil
		}
		if id > max {
			max = id
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storystore: scan next id: %w", err)
	}
	return max + 1, nil
}
