package platform

import (
	"bytes"
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/platform/fetch"
)

const tiebaDefaultBaseURL = "https://tieba.baidu.com"

// tiebaDateLayout matches the timestamps rendered into result pages.
const tiebaDateLayout = "2006-01-02 15:04"

// Tieba crawls Baidu Tieba. The site has no public JSON API, so both search
// results and thread replies are scraped from server-rendered HTML.
type Tieba struct {
	deps    Deps
	baseURL string
}

// NewTieba builds the Tieba connector.
func NewTieba(deps Deps, baseURL string) *Tieba {
	if baseURL == "" {
		baseURL = tiebaDefaultBaseURL
	}
	return &Tieba{deps: deps, baseURL: baseURL}
}

func (t *Tieba) Platform() pipeline.Platform { return pipeline.PlatformTieba }

// Search scrapes the forum search result page. The cursor is the 1-based
// page number.
func (t *Tieba) Search(ctx context.Context, keyword, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	page, err := pageCursor(cursor, 1)
	if err != nil {
		return pipeline.ItemPage{}, pipeline.NewPlatformError(pipeline.ClassMalformedKeyword, "tieba search", t.Platform(), err)
	}

	q := url.Values{}
	q.Set("qw", keyword)
	q.Set("pn", strconv.Itoa(page))
	q.Set("rn", "20")
	resp, err := t.deps.Client.Get(ctx, fetch.Request{
		URL:      t.baseURL + "/f/search/res?" + q.Encode(),
		Platform: t.Platform(),
		Op:       pipeline.OpSearch,
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return pipeline.ItemPage{}, t.deps.malformed(ctx, t.Platform(), "tieba search", resp.Body, "text/html", err)
	}

	now := t.deps.Clock.Now()
	var items []pipeline.RawItem
	doc.Find(".s_post").Each(func(_ int, sel *goquery.Selection) {
		link := sel.Find(".p_title a")
		href, _ := link.Attr("href")
		id := tiebaThreadID(href)
		if id == "" {
			return
		}
		items = append(items, pipeline.RawItem{
			Platform:  t.Platform(),
			NativeID:  id,
			AuthorID:  strings.TrimSpace(sel.Find(".p_violet").First().Text()),
			Body:      strings.TrimSpace(link.Text() + "\n" + sel.Find(".p_content").Text()),
			PostedAt:  t.parseDate(sel.Find(".p_date").Text(), now),
			FetchedAt: now,
		})
	})

	// The pager decides continuation: a page whose rows all got filtered
	// still advances when a next link exists.
	next := ""
	if doc.Find("a.next").Length() > 0 {
		next = strconv.Itoa(page + 1)
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}

// Comments scrapes a thread page; every floor after the first is treated as
// a comment on the thread.
func (t *Tieba) Comments(ctx context.Context, postID, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	page, err := pageCursor(cursor, 1)
	if err != nil {
		return pipeline.ItemPage{}, pipeline.NewPlatformError(pipeline.ClassMalformedResponse, "tieba comments", t.Platform(), err)
	}

	resp, err := t.deps.Client.Get(ctx, fetch.Request{
		URL:      t.baseURL + "/p/" + postID + "?pn=" + strconv.Itoa(page),
		Platform: t.Platform(),
		Op:       pipeline.OpComments,
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return pipeline.ItemPage{}, t.deps.malformed(ctx, t.Platform(), "tieba comments", resp.Body, "text/html", err)
	}

	now := t.deps.Clock.Now()
	var items []pipeline.RawItem
	doc.Find("#j_p_postlist .l_post").Each(func(i int, sel *goquery.Selection) {
		// Floor one repeats the thread body already captured by search.
		if i == 0 && page == 1 {
			return
		}
		pid, _ := sel.Attr("data-pid")
		if pid == "" {
			return
		}
		items = append(items, pipeline.RawItem{
			Platform:  t.Platform(),
			NativeID:  pid,
			ParentID:  postID,
			AuthorID:  strings.TrimSpace(sel.Find(".p_author_name").First().Text()),
			Body:      strings.TrimSpace(sel.Find(".d_post_content").Text()),
			PostedAt:  t.parseDate(sel.Find(".post-tail-wrap span").Last().Text(), now),
			FetchedAt: now,
		})
	})

	next := ""
	if doc.Find("#thread_theme_7 a:contains('下一页')").Length() > 0 {
		next = strconv.Itoa(page + 1)
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}

// tiebaThreadID pulls the numeric thread id out of an /p/<id> href.
func tiebaThreadID(href string) string {
	idx := strings.Index(href, "/p/")
	if idx < 0 {
		return ""
	}
	id := href[idx+len("/p/"):]
	if q := strings.IndexAny(id, "?#"); q >= 0 {
		id = id[:q]
	}
	if id == "" || strings.ContainsFunc(id, func(r rune) bool { return r < '0' || r > '9' }) {
		return ""
	}
	return id
}

func (t *Tieba) parseDate(s string, fallback time.Time) time.Time {
	parsed, err := time.Parse(tiebaDateLayout, strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return parsed.UTC()
}
