package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siftlabs/sentiment-crawler/internal/governor"
	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/platform/fetch"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchive) Put(_ context.Context, path, _ string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, path)
	return "mem://" + path, nil
}

func testDeps(archive pipeline.ArchiveStore) Deps {
	gov := governor.New(governor.Config{SearchRPS: 100, CommentsRPS: 100, Burst: 10})
	return Deps{
		Client:  fetch.New(fetch.Config{Timeout: 2 * time.Second}, gov),
		Archive: archive,
		Clock:   fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
}

func serve(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestWeiboSearchParsesStatuses(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/container/getIndex", r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`{
			"ok": 1,
			"data": {
				"cards": [
					{"card_type": 11},
					{"card_type": 9, "mblog": {
						"id": "50001",
						"text": "今天<span class=\"url-icon\">物价</span>又涨了",
						"created_at": "Sat Feb 28 18:30:00 +0800 2026",
						"user": {"id": 777},
						"pics": [{"url": "https://wx.example/p.jpg"}]
					}}
				]
			}
		}`))
	})

	conn := NewWeibo(testDeps(nil), srv.URL)
	page, err := conn.Search(context.Background(), "物价", "", nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	item := page.Items[0]
	require.Equal(t, "50001", item.NativeID)
	require.Equal(t, "777", item.AuthorID)
	require.Equal(t, "今天物价又涨了", item.Body)
	require.Empty(t, item.ParentID)
	require.Equal(t, []string{"https://wx.example/p.jpg"}, item.MediaRefs)
	require.Equal(t, time.Date(2026, 2, 28, 10, 30, 0, 0, time.UTC), item.PostedAt)
	require.Equal(t, "2", page.NextCursor)
}

func TestWeiboSearchEmptyPageExhausts(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok": 1, "data": {"cards": []}}`))
	})

	conn := NewWeibo(testDeps(nil), srv.URL)
	page, err := conn.Search(context.Background(), "kw", "3", nil)
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.Empty(t, page.NextCursor)
}

func TestWeiboSearchFilteredPageKeepsPaging(t *testing.T) {
	t.Parallel()

	// A page of nothing but navigation cards yields no items but must not
	// terminate pagination; later pages can still hold statuses.
	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok": 1, "data": {"cards": [
			{"card_type": 11},
			{"card_type": 4}
		]}}`))
	})

	conn := NewWeibo(testDeps(nil), srv.URL)
	page, err := conn.Search(context.Background(), "物价", "", nil)
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.Equal(t, "2", page.NextCursor)
}

func TestWeiboCommentsFollowMaxID(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/comments/hotflow", r.URL.Path)
		require.Equal(t, "50001", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`{
			"ok": 1,
			"data": {
				"data": [{"id": 9001, "text": "太真实了", "created_at": "Sat Feb 28 19:00:00 +0800 2026", "user": {"id": 12}}],
				"max_id": 4567
			}
		}`))
	})

	conn := NewWeibo(testDeps(nil), srv.URL)
	page, err := conn.Comments(context.Background(), "50001", "", nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "9001", page.Items[0].NativeID)
	require.Equal(t, "50001", page.Items[0].ParentID)
	require.True(t, page.Items[0].IsComment())
	require.Equal(t, "4567", page.NextCursor)
}

func TestWeiboMalformedPayloadIsArchived(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>verify your browser</html>`))
	})

	archive := &recordingArchive{}
	conn := NewWeibo(testDeps(archive), srv.URL)
	_, err := conn.Search(context.Background(), "kw", "", nil)
	require.Error(t, err)
	require.Equal(t, pipeline.ClassMalformedResponse, pipeline.ClassOf(err))
	require.NotEmpty(t, pipeline.PayloadRefOf(err))
	require.Len(t, archive.keys, 1)
}

func TestTiebaSearchScrapesThreads(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/f/search/res", r.URL.Path)
		_, _ = w.Write([]byte(`<html><body>
			<div class="s_post">
				<span class="p_title"><a href="/p/88991122?pid=1">油价 又调整了</a></span>
				<div class="p_content">这个月第三次调价</div>
				<a class="p_violet">heartland_user</a>
				<font class="p_date">2026-02-27 21:14</font>
			</div>
			<a class="next" href="?pn=2">下一页</a>
		</body></html>`))
	})

	conn := NewTieba(testDeps(nil), srv.URL)
	page, err := conn.Search(context.Background(), "油价", "", nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	item := page.Items[0]
	require.Equal(t, "88991122", item.NativeID)
	require.Equal(t, "heartland_user", item.AuthorID)
	require.Contains(t, item.Body, "油价 又调整了")
	require.Contains(t, item.Body, "这个月第三次调价")
	require.Equal(t, time.Date(2026, 2, 27, 21, 14, 0, 0, time.UTC), item.PostedAt)
	require.Equal(t, "2", page.NextCursor)
}

func TestTiebaSearchFilteredPageKeepsPaging(t *testing.T) {
	t.Parallel()

	// Rows without a usable /p/<id> link are dropped, but the pager still
	// drives continuation.
	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<div class="s_post">
				<span class="p_title"><a href="/f?kw=ad">广告帖</a></span>
			</div>
			<a class="next" href="?pn=2">下一页</a>
		</body></html>`))
	})

	conn := NewTieba(testDeps(nil), srv.URL)
	page, err := conn.Search(context.Background(), "油价", "", nil)
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.Equal(t, "2", page.NextCursor)
}

func TestTiebaCommentsSkipFirstFloor(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/p/88991122", r.URL.Path)
		_, _ = w.Write([]byte(`<html><body><div id="j_p_postlist">
			<div class="l_post" data-pid="111"><div class="d_post_content">楼主原帖</div></div>
			<div class="l_post" data-pid="222">
				<a class="p_author_name">reply_guy</a>
				<div class="d_post_content">同感，工资没涨</div>
				<div class="post-tail-wrap"><span>来自手机</span><span>2026-02-28 08:00</span></div>
			</div>
		</div></body></html>`))
	})

	conn := NewTieba(testDeps(nil), srv.URL)
	page, err := conn.Comments(context.Background(), "88991122", "", nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "222", page.Items[0].NativeID)
	require.Equal(t, "88991122", page.Items[0].ParentID)
	require.Equal(t, "同感，工资没涨", page.Items[0].Body)
	require.Empty(t, page.NextCursor)
}

func TestBilibiliSearchStopsAtLastPage(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"code": 0,
			"data": {
				"result": [{"aid": 314159, "title": "关于<em class=\"keyword\">房价</em>的讨论", "description": "up主聊聊", "mid": 42, "pubdate": 1772200000}],
				"numPages": 2,
				"page": 2
			}
		}`))
	})

	conn := NewBilibili(testDeps(nil), srv.URL)
	page, err := conn.Search(context.Background(), "房价", "2", nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "314159", page.Items[0].NativeID)
	require.Contains(t, page.Items[0].Body, "关于房价的讨论")
	require.Empty(t, page.NextCursor)
}

func TestRegistryRejectsUnknownPlatform(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(testDeps(nil), []pipeline.Platform{pipeline.Platform("myspace")})
	require.Error(t, err)
}

func TestRegistryBuildsAllKnownPlatforms(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(testDeps(nil), pipeline.AllPlatforms())
	require.NoError(t, err)
	require.ElementsMatch(t, pipeline.AllPlatforms(), reg.Platforms())

	for _, p := range pipeline.AllPlatforms() {
		conn, err := reg.Connector(p)
		require.NoError(t, err)
		require.Equal(t, p, conn.Platform())
	}
}
