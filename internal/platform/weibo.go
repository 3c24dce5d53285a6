package platform

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/platform/fetch"
)

const weiboDefaultBaseURL = "https://m.weibo.cn"

// weiboCreatedAtLayout is the legacy ruby-style timestamp the mobile API
// still emits.
const weiboCreatedAtLayout = "Mon Jan 02 15:04:05 -0700 2006"

// Weibo crawls the mobile container search API and the hotflow comment API.
type Weibo struct {
	deps    Deps
	baseURL string
}

// NewWeibo builds the Weibo connector. An empty baseURL selects the public
// endpoint.
func NewWeibo(deps Deps, baseURL string) *Weibo {
	if baseURL == "" {
		baseURL = weiboDefaultBaseURL
	}
	return &Weibo{deps: deps, baseURL: baseURL}
}

func (w *Weibo) Platform() pipeline.Platform { return pipeline.PlatformWeibo }

type weiboSearchPayload struct {
	OK   int `json:"ok"`
	Data struct {
		Cards []struct {
			CardType int `json:"card_type"`
			Mblog    struct {
				ID        string `json:"id"`
				Text      string `json:"text"`
				CreatedAt string `json:"created_at"`
				User      struct {
					ID int64 `json:"id"`
				} `json:"user"`
				Pics []struct {
					URL string `json:"url"`
				} `json:"pics"`
			} `json:"mblog"`
		} `json:"cards"`
	} `json:"data"`
}

// Search pages through container search results. The cursor is the 1-based
// page number.
func (w *Weibo) Search(ctx context.Context, keyword, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	page, err := pageCursor(cursor, 1)
	if err != nil {
		return pipeline.ItemPage{}, pipeline.NewPlatformError(pipeline.ClassMalformedKeyword, "weibo search", w.Platform(), err)
	}

	q := url.Values{}
	q.Set("containerid", "100103type=1&q="+keyword)
	q.Set("page_type", "searchall")
	q.Set("page", strconv.Itoa(page))
	resp, err := w.deps.Client.Get(ctx, fetch.Request{
		URL:      w.baseURL + "/api/container/getIndex?" + q.Encode(),
		Platform: w.Platform(),
		Op:       pipeline.OpSearch,
		Headers:  map[string]string{"Referer": w.baseURL},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload weiboSearchPayload
	if err := w.deps.decodeJSON(ctx, w.Platform(), "weibo search", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}
	if payload.OK != 1 {
		return pipeline.ItemPage{}, w.deps.malformed(ctx, w.Platform(), "weibo search", resp.Body, "application/json",
			fmt.Errorf("api signalled ok=%d", payload.OK))
	}

	now := w.deps.Clock.Now()
	items := make([]pipeline.RawItem, 0, len(payload.Data.Cards))
	for _, card := range payload.Data.Cards {
		// card_type 9 carries a status; the rest are navigation chrome.
		if card.CardType != 9 || card.Mblog.ID == "" {
			continue
		}
		media := make([]string, 0, len(card.Mblog.Pics))
		for _, p := range card.Mblog.Pics {
			media = append(media, p.URL)
		}
		items = append(items, pipeline.RawItem{
			Platform:  w.Platform(),
			NativeID:  card.Mblog.ID,
			AuthorID:  strconv.FormatInt(card.Mblog.User.ID, 10),
			Body:      htmlText(card.Mblog.Text),
			MediaRefs: media,
			PostedAt:  w.parseCreatedAt(card.Mblog.CreatedAt, now),
			FetchedAt: now,
		})
	}

	// Continuation keys on the payload, not on kept items: a page of pure
	// navigation cards still means more result pages may follow.
	next := ""
	if len(payload.Data.Cards) > 0 {
		next = strconv.Itoa(page + 1)
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}

type weiboCommentsPayload struct {
	OK   int `json:"ok"`
	Data struct {
		Data []struct {
			ID        int64  `json:"id"`
			Text      string `json:"text"`
			CreatedAt string `json:"created_at"`
			User      struct {
				ID int64 `json:"id"`
			} `json:"user"`
		} `json:"data"`
		MaxID int64 `json:"max_id"`
	} `json:"data"`
}

// Comments pages through hotflow comments. The cursor is the API's max_id;
// a zero max_id marks the end.
func (w *Weibo) Comments(ctx context.Context, postID, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	q := url.Values{}
	q.Set("id", postID)
	q.Set("mid", postID)
	q.Set("max_id_type", "0")
	if cursor != "" {
		q.Set("max_id", cursor)
	}
	resp, err := w.deps.Client.Get(ctx, fetch.Request{
		URL:      w.baseURL + "/comments/hotflow?" + q.Encode(),
		Platform: w.Platform(),
		Op:       pipeline.OpComments,
		Headers:  map[string]string{"Referer": w.baseURL},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload weiboCommentsPayload
	if err := w.deps.decodeJSON(ctx, w.Platform(), "weibo comments", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}
	if payload.OK != 1 {
		// Hotflow answers ok=0 for posts with comments disabled.
		return pipeline.ItemPage{}, nil
	}

	now := w.deps.Clock.Now()
	items := make([]pipeline.RawItem, 0, len(payload.Data.Data))
	for _, c := range payload.Data.Data {
		items = append(items, pipeline.RawItem{
			Platform:  w.Platform(),
			NativeID:  strconv.FormatInt(c.ID, 10),
			ParentID:  postID,
			AuthorID:  strconv.FormatInt(c.User.ID, 10),
			Body:      htmlText(c.Text),
			PostedAt:  w.parseCreatedAt(c.CreatedAt, now),
			FetchedAt: now,
		})
	}

	next := ""
	if payload.Data.MaxID > 0 {
		next = strconv.FormatInt(payload.Data.MaxID, 10)
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}

func (w *Weibo) parseCreatedAt(s string, fallback time.Time) time.Time {
	t, err := time.Parse(weiboCreatedAtLayout, s)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
