package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/app"
	"github.com/JakeFAU/syllabus-indexer/internal/config"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

const listPage = `<html><body>
<div class="data_list_header">工芸科学部<br>School</div>
<table class="data_list_tbl"><tbody>
<tr><th>header</th></tr>
<tr>
<td>12345</td>
<td><form action="./?c=detail&amp;pk=1001" method="post"></form><a href="#">線形代数<br>Linear Algebra</a></td>
<td>-<br>-</td>
<td>講義<br>Lecture</td>
<td>2</td>
</tr>
</tbody></table>
</body></html>`

type siteFetcher struct {
	mu     sync.Mutex
	detail []byte
	calls  []string
}

func (f *siteFetcher) Fetch(_ context.Context, url string) (syllabus.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	switch {
	case strings.Contains(url, "c=search_list"):
		return syllabus.Page{URL: url, StatusCode: http.StatusOK, Body: []byte(listPage)}, nil
	case strings.Contains(url, "c=detail&pk=1001"):
		return syllabus.Page{URL: url, StatusCode: http.StatusOK, Body: f.detail}, nil
	default:
		return syllabus.Page{}, &syllabus.TransportError{URL: url, StatusCode: http.StatusNotFound, Err: errors.New("Not Found")}
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Index.Driver = "memory"
	cfg.Storage.Driver = "memory"
	cfg.Archive.Driver = "memory"
	cfg.Redis.PollInterval = 5 * time.Millisecond
	cfg.Crawl.ListInterval = 0
	cfg.Crawl.DetailRate = 0
	cfg.Crawl.BaseBackoff = time.Millisecond
	cfg.Server.APIKey = "secret"
	return cfg
}

func newApp(t *testing.T, cfg config.Config, opts ...app.Option) *app.App {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]app.Option{app.WithRedis(client)}, opts...)
	a, err := app.New(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Archive.Driver = "ftp"
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestCrawlRunEndToEnd(t *testing.T) {
	t.Parallel()

	detail, err := os.ReadFile("../extract/testdata/detail.html")
	require.NoError(t, err)
	fetcher := &siteFetcher{detail: detail}
	a := newApp(t, testConfig(t), app.WithFetcher(fetcher))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Dispatcher().Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	run, err := a.Orchestrator().StartRun(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "99", run.Category)

	require.Eventually(t, func() bool {
		got, err := a.Runs().GetRun(ctx, run.Generation)
		return err == nil && got.State == syllabus.RunDone
	}, 5*time.Second, 10*time.Millisecond)

	ja, err := a.Index().Get(ctx, syllabus.LocaleJA, syllabus.RevisionLatest, 1001)
	require.NoError(t, err)
	assert.Equal(t, "線形代数", ja.Title)
	en, err := a.Index().Get(ctx, syllabus.LocaleEN, run.Generation, 1001)
	require.NoError(t, err)
	assert.Equal(t, "Linear Algebra", en.Title)
}

func TestAPIServerServesIndex(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(t), app.WithFetcher(&siteFetcher{}))
	srv := httptest.NewServer(a.APIServer().Handler())
	t.Cleanup(srv.Close)

	res, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/subjects/1001")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/runs", nil)
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestScheduler(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newApp(t, cfg, app.WithFetcher(&siteFetcher{}))
	s, err := a.Scheduler()
	require.NoError(t, err)
	require.Nil(t, s)

	cfg.Schedule.Cron = "0 4 * * 1"
	a = newApp(t, cfg, app.WithFetcher(&siteFetcher{}))
	s, err = a.Scheduler()
	require.NoError(t, err)
	require.NotNil(t, s)

	cfg.Schedule.Cron = "every day"
	a = newApp(t, cfg, app.WithFetcher(&siteFetcher{}))
	_, err = a.Scheduler()
	require.Error(t, err)
}
