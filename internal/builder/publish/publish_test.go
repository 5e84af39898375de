package publish

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/builder/output"
)

func buildOutput(t *testing.T, html string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(html), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("1"), 0o644))
	return dir
}

func TestPublishAtomicallyAndAliases(t *testing.T) {
	p, err := NewPublisher(t.TempDir(), nil, output.Budget{}, nil)
	require.NoError(t, err)

	first, err := p.Publish(context.Background(), "proj", "dep-1", buildOutput(t, `<script src="/assets/app.js"></script>`))
	require.NoError(t, err)
	assert.Equal(t, p.SiteDir("dep-1"), first.Dir)
	assert.Equal(t, 2, first.Report.Files)

	_, err = p.Publish(context.Background(), "proj", "dep-2", buildOutput(t, `<p>v2</p>`))
	require.NoError(t, err)

	alias := filepath.Join(p.ProjectsRoot(), "proj")
	data, err := os.ReadFile(filepath.Join(alias, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<p>v2</p>", string(data))

	old, err := os.ReadFile(filepath.Join(p.SiteDir("dep-1"), "index.html"))
	require.NoError(t, err)
	assert.Equal(t, `<script src="./assets/app.js"></script>`, string(old))

	matches, err := filepath.Glob(filepath.Join(p.Root(), ".staging-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPublishFailureLeavesNothingBehind(t *testing.T) {
	p, err := NewPublisher(t.TempDir(), nil, output.Budget{MaxFiles: 1}, nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), "proj", "dep-1", buildOutput(t, "<p></p>"))
	var stagingErr *output.StagingError
	require.ErrorAs(t, err, &stagingErr)
	assert.NoDirExists(t, p.SiteDir("dep-1"))
	assert.NoDirExists(t, filepath.Join(p.Root(), ".staging-dep-1"))

	_, err = p.Publish(context.Background(), "proj", "dep-2", filepath.Join(t.TempDir(), "missing"))
	require.ErrorAs(t, err, &stagingErr)
}

func TestPublishRejectsBadIDs(t *testing.T) {
	p, err := NewPublisher(t.TempDir(), nil, output.Budget{}, nil)
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), "../proj", "dep", t.TempDir())
	require.Error(t, err)
}

func TestUnpublish(t *testing.T) {
	p, err := NewPublisher(t.TempDir(), nil, output.Budget{}, nil)
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), "proj", "dep-1", buildOutput(t, "<p></p>"))
	require.NoError(t, err)

	require.NoError(t, p.Unpublish(context.Background(), "proj", []string{"dep-1", "never-published"}))
	assert.NoDirExists(t, p.SiteDir("dep-1"))
	_, err = os.Lstat(filepath.Join(p.ProjectsRoot(), "proj"))
	assert.True(t, os.IsNotExist(err))
}

func TestMemoryLockerSerialisesSameKey(t *testing.T) {
	l := NewMemoryLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "proj")
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, l.locks)
}

func TestMemoryLockerContextCancel(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "proj")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "proj")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "other")
	require.NoError(t, err)
	other()
	unlock()
	unlock()
	assert.Empty(t, l.locks)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	l := NewRedisLocker(client, time.Second, nil)

	unlock, err := l.Lock(context.Background(), "test-proj")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "test-proj")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	again, err := l.Lock(context.Background(), "test-proj")
	require.NoError(t, err)
	again()
}
