package hostproto

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftline/metasync/fault"
	"github.com/driftline/metasync/privacy"
	"github.com/driftline/metasync/settings"
	"github.com/driftline/metasync/target"
)

// newMissProcessor builds a processor against a fake target whose single
// library never matches anything, counting scan triggers.
func newMissProcessor(t *testing.T, autoScan bool, refreshed *int32) *sceneProcessor {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/library/sections":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"MediaContainer": map[string]interface{}{
					"Directory": []map[string]string{{"key": "1", "title": "Shows", "type": "show"}},
				},
			})
		case "/library/sections/1/refresh":
			atomic.AddInt32(refreshed, 1)
		default:
			// every title search misses
			json.NewEncoder(w).Encode(map[string]interface{}{"MediaContainer": map[string]interface{}{}})
		}
	}))
	t.Cleanup(srv.Close)

	cfg := &settings.Config{AutoScanTrigger: autoScan, MaxTags: 100}
	client := target.NewClient(srv.URL, "test-token", 2*time.Second, 5*time.Second, zap.NewNop().Sugar())
	return newSceneProcessor(client, nil, cfg, privacy.New(false), zap.NewNop().Sugar())
}

func TestResolve_MissTriggersScanOnce(t *testing.T) {
	var refreshed int32
	p := newMissProcessor(t, true, &refreshed)

	_, err := p.resolve(context.Background(), "/media/Show S01E01.mkv")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshed))

	// later misses in the same invocation do not re-trigger
	_, err = p.resolve(context.Background(), "/media/Show S01E02.mkv")
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshed))
}

func TestResolve_MissWithTriggerDisabled(t *testing.T) {
	var refreshed int32
	p := newMissProcessor(t, false, &refreshed)

	_, err := p.resolve(context.Background(), "/media/Show S01E01.mkv")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&refreshed))
}
