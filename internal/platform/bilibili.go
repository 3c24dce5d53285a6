package platform

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/platform/fetch"
)

const bilibiliDefaultBaseURL = "https://api.bilibili.com"

// Bilibili crawls the web search and reply APIs. Videos are identified by
// their numeric aid so the reply API can address them directly.
type Bilibili struct {
	deps    Deps
	baseURL string
}

// NewBilibili builds the Bilibili connector.
func NewBilibili(deps Deps, baseURL string) *Bilibili {
	if baseURL == "" {
		baseURL = bilibiliDefaultBaseURL
	}
	return &Bilibili{deps: deps, baseURL: baseURL}
}

func (b *Bilibili) Platform() pipeline.Platform { return pipeline.PlatformBilibili }

type bilibiliSearchPayload struct {
	Code int `json:"code"`
	Data struct {
		Result []struct {
			AID         int64  `json:"aid"`
			Title       string `json:"title"`
			Description string `json:"description"`
			MID         int64  `json:"mid"`
			PubDate     int64  `json:"pubdate"`
			Pic         string `json:"pic"`
		} `json:"result"`
		NumPages int `json:"numPages"`
		Page     int `json:"page"`
	} `json:"data"`
}

// Search pages through video search. The cursor is the 1-based page number.
func (b *Bilibili) Search(ctx context.Context, keyword, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	page, err := pageCursor(cursor, 1)
	if err != nil {
		return pipeline.ItemPage{}, pipeline.NewPlatformError(pipeline.ClassMalformedKeyword, "bilibili search", b.Platform(), err)
	}

	q := url.Values{}
	q.Set("search_type", "video")
	q.Set("keyword", keyword)
	q.Set("page", strconv.Itoa(page))
	resp, err := b.deps.Client.Get(ctx, fetch.Request{
		URL:      b.baseURL + "/x/web-interface/search/type?" + q.Encode(),
		Platform: b.Platform(),
		Op:       pipeline.OpSearch,
		Headers:  map[string]string{"Referer": "https://www.bilibili.com"},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload bilibiliSearchPayload
	if err := b.deps.decodeJSON(ctx, b.Platform(), "bilibili search", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}
	if payload.Code != 0 {
		return pipeline.ItemPage{}, b.deps.malformed(ctx, b.Platform(), "bilibili search", resp.Body, "application/json",
			errCode(payload.Code))
	}

	now := b.deps.Clock.Now()
	items := make([]pipeline.RawItem, 0, len(payload.Data.Result))
	for _, v := range payload.Data.Result {
		if v.AID == 0 {
			continue
		}
		body := htmlText(v.Title)
		if v.Description != "" {
			body += "\n" + v.Description
		}
		var media []string
		if v.Pic != "" {
			media = []string{v.Pic}
		}
		items = append(items, pipeline.RawItem{
			Platform:  b.Platform(),
			NativeID:  strconv.FormatInt(v.AID, 10),
			AuthorID:  strconv.FormatInt(v.MID, 10),
			Body:      body,
			MediaRefs: media,
			PostedAt:  time.Unix(v.PubDate, 0).UTC(),
			FetchedAt: now,
		})
	}

	next := ""
	if len(items) > 0 && payload.Data.Page < payload.Data.NumPages {
		next = strconv.Itoa(page + 1)
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}

type bilibiliRepliesPayload struct {
	Code int `json:"code"`
	Data struct {
		Replies []struct {
			RPID    int64 `json:"rpid"`
			MID     int64 `json:"mid"`
			CTime   int64 `json:"ctime"`
			Content struct {
				Message string `json:"message"`
			} `json:"content"`
		} `json:"replies"`
		Cursor struct {
			IsEnd bool `json:"is_end"`
			Next  int  `json:"next"`
		} `json:"cursor"`
	} `json:"data"`
}

// Comments pages through a video's replies using the API's lazy cursor.
func (b *Bilibili) Comments(ctx context.Context, postID, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	next, err := pageCursor(cursor, 1)
	if err != nil {
		return pipeline.ItemPage{}, pipeline.NewPlatformError(pipeline.ClassMalformedResponse, "bilibili comments", b.Platform(), err)
	}

	q := url.Values{}
	q.Set("type", "1")
	q.Set("oid", postID)
	q.Set("mode", "3")
	q.Set("next", strconv.Itoa(next))
	resp, err := b.deps.Client.Get(ctx, fetch.Request{
		URL:      b.baseURL + "/x/v2/reply/main?" + q.Encode(),
		Platform: b.Platform(),
		Op:       pipeline.OpComments,
		Headers:  map[string]string{"Referer": "https://www.bilibili.com"},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload bilibiliRepliesPayload
	if err := b.deps.decodeJSON(ctx, b.Platform(), "bilibili comments", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}
	if payload.Code != 0 {
		return pipeline.ItemPage{}, b.deps.malformed(ctx, b.Platform(), "bilibili comments", resp.Body, "application/json",
			errCode(payload.Code))
	}

	now := b.deps.Clock.Now()
	items := make([]pipeline.RawItem, 0, len(payload.Data.Replies))
	for _, r := range payload.Data.Replies {
		if r.RPID == 0 {
			continue
		}
		items = append(items, pipeline.RawItem{
			Platform:  b.Platform(),
			NativeID:  strconv.FormatInt(r.RPID, 10),
			ParentID:  postID,
			AuthorID:  strconv.FormatInt(r.MID, 10),
			Body:      r.Content.Message,
			PostedAt:  time.Unix(r.CTime, 0).UTC(),
			FetchedAt: now,
		})
	}

	nextCursor := ""
	if !payload.Data.Cursor.IsEnd && len(items) > 0 {
		nextCursor = strconv.Itoa(payload.Data.Cursor.Next)
	}
	return pipeline.ItemPage{Items: items, NextCursor: nextCursor}, nil
}
