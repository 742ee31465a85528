package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/turn-governor/internal/candidate"
	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func bumped(key string, v float64) wrqs.Weights {
	w := wrqs.Default().Clone()
	w.Positive[key] = v
	return w
}

// #region store-tests

func TestBootstrapAndGetActive(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	cfg, err := s.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if cfg.Version != 1 || cfg.Label != "wrqs-v1" {
		t.Fatalf("expected wrqs-v1, got %d %s", cfg.Version, cfg.Label)
	}
	if !cfg.IsActive {
		t.Fatal("bootstrapped config should be active")
	}

	again, err := s.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Version, "second bootstrap must not append")

	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, wrqs.Default(), active.Weights)
	assert.Equal(t, cfg.ConfigHash, active.ConfigHash)
	assert.True(t, active.IsActive)
}

func TestGetActive_EmptyStore(t *testing.T) {
	s := tempDB(t)
	_, err := s.GetActive(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveConfig)
}

func TestProposeAndActivate(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx)
	require.NoError(t, err)

	v2, err := s.Propose(ctx, bumped(candidate.KeyClarity, 0.2), "more clarity")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, 1, v2.ParentVersion)
	assert.False(t, v2.IsActive)

	active, _ := s.GetActive(ctx)
	assert.Equal(t, 1, active.Version, "propose must not activate")

	require.NoError(t, s.Activate(ctx, 2))
	active, err = s.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.Equal(t, 0.2, active.Weights.Positive[candidate.KeyClarity])
	assert.Equal(t, "more clarity", active.Note)
}

func TestAtMostOneActive(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Propose(ctx, bumped(candidate.KeyClarity, 0.1+float64(i)*0.01), "")
		require.NoError(t, err)
	}
	require.NoError(t, s.Activate(ctx, 3))

	versions, err := s.ListVersions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, versions, 4)
	assert.Equal(t, 4, versions[0].Version, "newest first")

	active := 0
	for _, v := range versions {
		if v.IsActive {
			active++
			assert.Equal(t, 3, v.Version)
		}
	}
	assert.Equal(t, 1, active)
}

func TestProposeInvalidKeepsActive(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx)
	require.NoError(t, err)

	bad := wrqs.Default().Clone()
	bad.Penalty[candidate.KeyError] = -2

	_, err = s.Propose(ctx, bad, "broken")
	if !errors.Is(err, wrqs.ErrInvalidWeightConfig) {
		t.Fatalf("expected ErrInvalidWeightConfig, got %v", err)
	}

	versions, err := s.ListVersions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	active, _ := s.GetActive(ctx)
	assert.Equal(t, 1, active.Version)
}

func TestActivateUnknownVersion(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx)
	require.NoError(t, err)

	err = s.Activate(ctx, 42)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	_, err = s.GetVersion(ctx, 42)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestWeightConfigsAppendOnly(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx)
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `UPDATE weight_configs SET label = 'tampered' WHERE version = 1`)
	assert.Error(t, err)
	_, err = s.DB().ExecContext(ctx, `DELETE FROM weight_configs WHERE version = 1`)
	assert.Error(t, err)
}

func TestPointerCanaryColumns(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx)
	require.NoError(t, err)
	_, err = s.Propose(ctx, bumped(candidate.KeyClarity, 0.15), "")
	require.NoError(t, err)

	require.NoError(t, s.SetPointer(ctx, ActivePointer{Version: 2, StableVersion: 1, CanaryPercent: 10, CanaryRunID: "run-1"}))
	p, err := s.Pointer(ctx)
	require.NoError(t, err)
	assert.True(t, p.CanaryActive())
	assert.Equal(t, 1, p.StableVersion)
	assert.Equal(t, "run-1", p.CanaryRunID)

	require.NoError(t, s.Activate(ctx, 2))
	p, err = s.Pointer(ctx)
	require.NoError(t, err)
	assert.False(t, p.CanaryActive())
	assert.Equal(t, 2, p.Version)
	assert.Empty(t, p.CanaryRunID)
}

// #endregion store-tests

// #region hash-tests

func TestConfigHash_IndependentOfMapOrder(t *testing.T) {
	a := wrqs.Weights{Positive: map[string]float64{"a": 1, "b": 2}, Penalty: map[string]float64{"c": 3}, TieDelta: 0.03}
	b := wrqs.Weights{Positive: map[string]float64{"b": 2, "a": 1}, Penalty: map[string]float64{"c": 3}, TieDelta: 0.03}

	ha, err := ConfigHash(a)
	require.NoError(t, err)
	hb, err := ConfigHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	c := bumped(candidate.KeyClarity, 0.11)
	hc, _ := ConfigHash(c)
	hd, _ := ConfigHash(wrqs.Default())
	assert.NotEqual(t, hc, hd)
}

// #endregion hash-tests

// #region registry-tests

func TestRegistry_BuiltinUntilLoaded(t *testing.T) {
	r := NewRegistry(nil)
	cfg := r.ConfigFor("s1")
	assert.Equal(t, DefaultLabel, cfg.Label)
	assert.Equal(t, wrqs.Default(), cfg.Weights)
	assert.NoError(t, r.Load(context.Background()))
}

func TestRegistry_LoadAndCanarySplit(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx)
	require.NoError(t, err)
	_, err = s.Propose(ctx, bumped(candidate.KeyClarity, 0.15), "")
	require.NoError(t, err)
	require.NoError(t, s.SetPointer(ctx, ActivePointer{Version: 2, StableVersion: 1, CanaryPercent: 30, CanaryRunID: "run-1"}))

	r := NewRegistry(s)
	require.NoError(t, r.Load(ctx))

	var canary, stable int
	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("session-%d", i)
		cfg := r.ConfigFor(id)
		assert.Equal(t, cfg, r.ConfigFor(id), "assignment must be stable")
		switch cfg.Version {
		case 2:
			canary++
		case 1:
			stable++
		default:
			t.Fatalf("unexpected version %d", cfg.Version)
		}
	}
	assert.InDelta(t, 600, canary, 150)
	assert.Equal(t, 2000, canary+stable)
}

func TestInCanary_Bounds(t *testing.T) {
	assert.False(t, InCanary("x", 0))
	assert.True(t, InCanary("x", 100))
}

func TestRegistry_ConcurrentSwapAndRead(t *testing.T) {
	r := NewRegistry(nil)
	a := &Snapshot{Active: &WeightConfig{Version: 1}}
	b := &Snapshot{Active: &WeightConfig{Version: 2}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				r.Swap(a)
				r.Swap(b)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				v := r.ConfigFor("s").Version
				if v != 0 && v != 1 && v != 2 {
					t.Errorf("torn read: %d", v)
				}
			}
		}()
	}
	wg.Wait()
}

// #endregion registry-tests
