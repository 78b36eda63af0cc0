package queue

import (
	"strconv"
	"sync"
	"time"

	"github.com/driftline/metasync/errors"
	"github.com/driftline/metasync/statefile"
)

// TimestampStore persists the last successful sync time per scene as a JSON
// map of scene-id string to unix seconds. Writes go through atomic rename;
// worker and reconciliation enqueuer may race, and the last writer wins;
// a stale read costs at worst one benign re-sync.
type TimestampStore struct {
	path string
	mu   sync.Mutex
}

// NewTimestampStore creates a store backed by the given file path.
func NewTimestampStore(path string) *TimestampStore {
	return &TimestampStore{path: path}
}

// Load reads the full map. A missing or corrupt file yields an empty map.
func (ts *TimestampStore) Load() map[uint64]float64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.loadLocked()
}

func (ts *TimestampStore) loadLocked() map[uint64]float64 {
	raw := make(map[string]float64)
	statefile.Load(ts.path, &raw)

	out := make(map[uint64]float64, len(raw))
	for key, value := range raw {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		out[id] = value
	}
	return out
}

// Get returns the last sync time for a scene, or zero and false.
func (ts *TimestampStore) Get(sceneID uint64) (time.Time, bool) {
	stamps := ts.Load()
	secs, ok := stamps[sceneID]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9)), true
}

// Save records a sync time for a scene and writes the map atomically.
func (ts *TimestampStore) Save(sceneID uint64, t time.Time) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	stamps := ts.loadLocked()
	stamps[sceneID] = float64(t.UnixNano()) / 1e9

	raw := make(map[string]float64, len(stamps))
	for id, value := range stamps {
		raw[strconv.FormatUint(id, 10)] = value
	}

	if err := statefile.Save(ts.path, raw); err != nil {
		return errors.Wrapf(err, "failed to save sync timestamp for scene %d", sceneID)
	}
	return nil
}
