package platform

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/platform/fetch"
)

const zhihuDefaultBaseURL = "https://www.zhihu.com"

// zhihuPageSize is the offset step the v4 APIs page by.
const zhihuPageSize = 20

// Zhihu crawls the v4 search and root-comment APIs.
type Zhihu struct {
	deps    Deps
	baseURL string
}

// NewZhihu builds the Zhihu connector.
func NewZhihu(deps Deps, baseURL string) *Zhihu {
	if baseURL == "" {
		baseURL = zhihuDefaultBaseURL
	}
	return &Zhihu{deps: deps, baseURL: baseURL}
}

func (z *Zhihu) Platform() pipeline.Platform { return pipeline.PlatformZhihu }

type zhihuSearchPayload struct {
	Data []struct {
		Type   string `json:"type"`
		Object struct {
			Type        string `json:"type"`
			ID          string `json:"id"`
			Excerpt     string `json:"excerpt"`
			Content     string `json:"content"`
			CreatedTime int64  `json:"created_time"`
			Author      struct {
				ID string `json:"id"`
			} `json:"author"`
		} `json:"object"`
	} `json:"data"`
	Paging struct {
		IsEnd bool `json:"is_end"`
	} `json:"paging"`
}

// Search pages through general search. The cursor is the numeric offset.
func (z *Zhihu) Search(ctx context.Context, keyword, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	offset, err := pageCursor(cursor, 0)
	if err != nil {
		return pipeline.ItemPage{}, pipeline.NewPlatformError(pipeline.ClassMalformedKeyword, "zhihu search", z.Platform(), err)
	}

	q := url.Values{}
	q.Set("t", "general")
	q.Set("q", keyword)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(zhihuPageSize))
	resp, err := z.deps.Client.Get(ctx, fetch.Request{
		URL:      z.baseURL + "/api/v4/search_v3?" + q.Encode(),
		Platform: z.Platform(),
		Op:       pipeline.OpSearch,
		Headers:  map[string]string{"x-requested-with": "fetch"},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload zhihuSearchPayload
	if err := z.deps.decodeJSON(ctx, z.Platform(), "zhihu search", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}

	now := z.deps.Clock.Now()
	items := make([]pipeline.RawItem, 0, len(payload.Data))
	for _, entry := range payload.Data {
		obj := entry.Object
		if entry.Type != "search_result" || obj.ID == "" {
			continue
		}
		body := obj.Excerpt
		if obj.Content != "" {
			body = htmlText(obj.Content)
		}
		items = append(items, pipeline.RawItem{
			Platform:  z.Platform(),
			NativeID:  obj.Type + ":" + obj.ID,
			AuthorID:  obj.Author.ID,
			Body:      body,
			PostedAt:  time.Unix(obj.CreatedTime, 0).UTC(),
			FetchedAt: now,
		})
	}

	next := ""
	if !payload.Paging.IsEnd && len(items) > 0 {
		next = strconv.Itoa(offset + zhihuPageSize)
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}

type zhihuCommentsPayload struct {
	Data []struct {
		ID          int64  `json:"id"`
		Content     string `json:"content"`
		CreatedTime int64  `json:"created_time"`
		Author      struct {
			Member struct {
				ID string `json:"id"`
			} `json:"member"`
		} `json:"author"`
	} `json:"data"`
	Paging struct {
		IsEnd bool `json:"is_end"`
	} `json:"paging"`
}

// Comments pages through an answer's root comments. The post id carries the
// "type:id" form produced by Search; only the numeric part goes on the wire.
func (z *Zhihu) Comments(ctx context.Context, postID, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	offset, err := pageCursor(cursor, 0)
	if err != nil {
		return pipeline.ItemPage{}, pipeline.NewPlatformError(pipeline.ClassMalformedResponse, "zhihu comments", z.Platform(), err)
	}

	kind, id := splitZhihuID(postID)
	q := url.Values{}
	q.Set("order", "normal")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(zhihuPageSize))
	resp, err := z.deps.Client.Get(ctx, fetch.Request{
		URL:      z.baseURL + "/api/v4/" + kind + "s/" + id + "/root_comments?" + q.Encode(),
		Platform: z.Platform(),
		Op:       pipeline.OpComments,
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload zhihuCommentsPayload
	if err := z.deps.decodeJSON(ctx, z.Platform(), "zhihu comments", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}

	now := z.deps.Clock.Now()
	items := make([]pipeline.RawItem, 0, len(payload.Data))
	for _, c := range payload.Data {
		if c.ID == 0 {
			continue
		}
		items = append(items, pipeline.RawItem{
			Platform:  z.Platform(),
			NativeID:  strconv.FormatInt(c.ID, 10),
			ParentID:  postID,
			AuthorID:  c.Author.Member.ID,
			Body:      htmlText(c.Content),
			PostedAt:  time.Unix(c.CreatedTime, 0).UTC(),
			FetchedAt: now,
		})
	}

	next := ""
	if !payload.Paging.IsEnd && len(items) > 0 {
		next = strconv.Itoa(offset + zhihuPageSize)
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}

func splitZhihuID(postID string) (kind, id string) {
	for i := 0; i < len(postID); i++ {
		if postID[i] == ':' {
			return postID[:i], postID[i+1:]
		}
	}
	return "answer", postID
}
