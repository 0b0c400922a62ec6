package partition

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hosts(ids ...string) []Host {
	out := make([]Host, 0, len(ids))
	for _, id := range ids {
		out = append(out, Host{ID: id, URI: "http://" + id, Weight: 1, Healthy: true})
	}
	return out
}

func TestRingDeterministic(t *testing.T) {
	r1 := NewRing(hosts("a", "b", "c"), 50)
	r2 := NewRing(hosts("a", "b", "c"), 50)
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%d", i)
		h1, ok := r1.Lookup(k)
		require.True(t, ok)
		h2, _ := r2.Lookup(k)
		assert.Equal(t, h1.ID, h2.ID)
	}
}

func TestRingRemapsOnlyRemovedHostKeys(t *testing.T) {
	before := NewRing(hosts("a", "b", "c"), 100)
	after := NewRing(hosts("a", "b"), 100)
	for i := 0; i < 1000; i++ {
		k := fmt.Sprintf("key-%d", i)
		hb, _ := before.Lookup(k)
		ha, _ := after.Lookup(k)
		if hb.ID != "c" {
			assert.Equal(t, hb.ID, ha.ID, "key %s moved although its host stayed", k)
		}
	}
}

func TestRingSkipsUnhealthyHosts(t *testing.T) {
	hs := hosts("a", "b")
	hs[1].Healthy = false
	r := NewRing(hs, 10)
	for i := 0; i < 50; i++ {
		h, ok := r.Lookup(fmt.Sprint(i))
		require.True(t, ok)
		assert.Equal(t, "a", h.ID)
	}
	_, ok := NewRing(nil, 10).Lookup("x")
	assert.False(t, ok)
}

func TestAccessors(t *testing.T) {
	r := RangeAccessor{Start: 0, Size: 10, Count: 3}
	p, err := r.PartitionFor("25")
	require.NoError(t, err)
	assert.Equal(t, 2, p)
	_, err = r.PartitionFor("30")
	assert.True(t, errors.Is(err, ErrPartitionAccess))
	_, err = r.PartitionFor("abc")
	assert.True(t, errors.Is(err, ErrPartitionAccess))

	m := HashAccessor{Count: 4, Algorithm: HashModulo}
	p, err = m.PartitionFor("7")
	require.NoError(t, err)
	assert.Equal(t, 3, p)

	h := HashAccessor{Count: 4, Algorithm: HashMD5}
	p1, _ := h.PartitionFor("greeting")
	p2, _ := h.PartitionFor("greeting")
	assert.Equal(t, p1, p2)
	assert.Less(t, p1, 4)
}

func newSnapshot(t *testing.T) *Snapshot {
	s, err := NewSnapshot("greetings", RangeAccessor{Start: 0, Size: 10, Count: 2}, map[int][]Host{
		0: hosts("a", "b"),
		1: hosts("c"),
	}, 20)
	require.NoError(t, err)
	return s
}

func TestMapKeysToHosts(t *testing.T) {
	s := newSnapshot(t)
	m := s.MapKeysToHosts([]string{"1", "2", "15", "99", "x"})
	require.Len(t, m.Unmapped, 2)
	assert.Equal(t, "99", m.Unmapped[0].Key)
	assert.Equal(t, "x", m.Unmapped[1].Key)
	assert.Equal(t, []string{"15"}, m.Keys["c"])

	total := 0
	for _, id := range m.HostIDs() {
		total += len(m.Keys[id])
	}
	assert.Equal(t, 3, total)
}

func TestMapToHostUnavailable(t *testing.T) {
	s := newSnapshot(t).WithHostHealth("c", false)
	_, err := s.MapToHost(1, "15")
	assert.True(t, errors.Is(err, ErrServiceUnavailable))

	m := s.MapKeysToHosts([]string{"15"})
	require.Len(t, m.Unmapped, 1)
	assert.True(t, errors.Is(m.Unmapped[0].Err, ErrServiceUnavailable))
}

func TestAllPartitionsFanout(t *testing.T) {
	s := newSnapshot(t)
	targets, err := s.AllPartitionsFanout("")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, 0, targets[0].Partition)
	assert.Equal(t, "c", targets[1].Host.ID)

	sticky1, _ := s.AllPartitionsFanout("user-42")
	sticky2, _ := s.AllPartitionsFanout("user-42")
	assert.Equal(t, sticky1, sticky2)

	down := s.WithHostHealth("c", false)
	targets, err = down.AllPartitionsFanout("")
	assert.True(t, errors.Is(err, ErrServiceUnavailable))
	require.Len(t, targets, 1)
	assert.Equal(t, 0, targets[0].Partition)
}

func TestSnapshotRejectsUnknownPartition(t *testing.T) {
	_, err := NewSnapshot("svc", HashAccessor{Count: 2}, map[int][]Host{5: hosts("a")}, 0)
	assert.Error(t, err)
}

func TestTableUpdateIsCopyOnWrite(t *testing.T) {
	s := newSnapshot(t)
	tbl := NewTable(s)
	next := tbl.Update(func(cur *Snapshot) *Snapshot { return cur.WithHostHealth("a", false) })
	assert.NotSame(t, s, next)
	assert.Same(t, next, tbl.Load())
	assert.Equal(t, s.Version+1, next.Version)
	assert.True(t, s.Hosts(0)[0].Healthy, "old snapshot must not change")

	same := tbl.Update(func(cur *Snapshot) *Snapshot { return cur.WithHostHealth("a", false) })
	assert.Same(t, next, same)
}

func TestTableConcurrentReaders(t *testing.T) {
	tbl := NewTable(newSnapshot(t))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := tbl.Load()
				_, _ = snap.MapKey("5")
				if i%2 == 0 {
					tbl.Update(func(cur *Snapshot) *Snapshot { return cur.WithHostHealth("b", j%2 == 0) })
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestHealthMonitorPublishesChanges(t *testing.T) {
	var mu sync.Mutex
	down := map[string]bool{"b": true}
	tbl := NewTable(newSnapshot(t))
	mon := NewHealthMonitor(tbl, HealthMonitorConfig{
		MaxFailures: 2,
		Check: func(_ context.Context, h Host) error {
			mu.Lock()
			defer mu.Unlock()
			if down[h.ID] {
				return errors.New("down")
			}
			return nil
		},
	})
	ctx := context.Background()

	mon.CheckAll(ctx)
	assert.True(t, tbl.Load().Hosts(0)[1].Healthy, "one failure is below the threshold")
	mon.CheckAll(ctx)
	assert.False(t, tbl.Load().Hosts(0)[1].Healthy)
	st, ok := mon.Health("b")
	require.True(t, ok)
	assert.Equal(t, 2, st.ConsecutiveFails)

	mu.Lock()
	down["b"] = false
	mu.Unlock()
	mon.CheckAll(ctx)
	assert.True(t, tbl.Load().Hosts(0)[1].Healthy)
}

func TestHealthMonitorHTTPCheck(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	s, err := NewSnapshot("svc", Unpartitioned{}, map[int][]Host{0: {
		{ID: "up", URI: ok.URL, Weight: 1, Healthy: false},
	}}, 10)
	require.NoError(t, err)
	tbl := NewTable(s)
	mon := NewHealthMonitor(tbl, HealthMonitorConfig{Interval: 20 * time.Millisecond})
	mon.Start(context.Background())
	defer mon.Stop()

	require.Eventually(t, func() bool {
		return tbl.Load().Hosts(0)[0].Healthy
	}, 2*time.Second, 10*time.Millisecond)
}
