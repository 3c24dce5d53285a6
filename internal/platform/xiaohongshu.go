package platform

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/platform/fetch"
)

const xiaohongshuDefaultBaseURL = "https://edith.xiaohongshu.com"

// Xiaohongshu crawls the web note-search and comment-page endpoints.
type Xiaohongshu struct {
	deps    Deps
	baseURL string
}

// NewXiaohongshu builds the Xiaohongshu connector.
func NewXiaohongshu(deps Deps, baseURL string) *Xiaohongshu {
	if baseURL == "" {
		baseURL = xiaohongshuDefaultBaseURL
	}
	return &Xiaohongshu{deps: deps, baseURL: baseURL}
}

func (x *Xiaohongshu) Platform() pipeline.Platform { return pipeline.PlatformXiaohongshu }

type xhsSearchPayload struct {
	Success bool `json:"success"`
	Data    struct {
		Items []struct {
			ID        string `json:"id"`
			ModelType string `json:"model_type"`
			NoteCard  struct {
				DisplayTitle string `json:"display_title"`
				Desc         string `json:"desc"`
				Time         int64  `json:"time"`
				User         struct {
					UserID string `json:"user_id"`
				} `json:"user"`
				Cover struct {
					URLDefault string `json:"url_default"`
				} `json:"cover"`
			} `json:"note_card"`
		} `json:"items"`
		HasMore bool `json:"has_more"`
	} `json:"data"`
}

// Search pages through note search. The cursor is the 1-based page number.
func (x *Xiaohongshu) Search(ctx context.Context, keyword, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	page, err := pageCursor(cursor, 1)
	if err != nil {
		return pipeline.ItemPage{}, pipeline.NewPlatformError(pipeline.ClassMalformedKeyword, "xhs search", x.Platform(), err)
	}

	q := url.Values{}
	q.Set("keyword", keyword)
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", "20")
	q.Set("sort", "general")
	resp, err := x.deps.Client.Get(ctx, fetch.Request{
		URL:      x.baseURL + "/api/sns/web/v1/search/notes?" + q.Encode(),
		Platform: x.Platform(),
		Op:       pipeline.OpSearch,
		Headers:  map[string]string{"Origin": "https://www.xiaohongshu.com"},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload xhsSearchPayload
	if err := x.deps.decodeJSON(ctx, x.Platform(), "xhs search", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}

	now := x.deps.Clock.Now()
	items := make([]pipeline.RawItem, 0, len(payload.Data.Items))
	for _, entry := range payload.Data.Items {
		if entry.ModelType != "note" || entry.ID == "" {
			continue
		}
		body := entry.NoteCard.DisplayTitle
		if entry.NoteCard.Desc != "" {
			body = entry.NoteCard.DisplayTitle + "\n" + entry.NoteCard.Desc
		}
		var media []string
		if entry.NoteCard.Cover.URLDefault != "" {
			media = []string{entry.NoteCard.Cover.URLDefault}
		}
		items = append(items, pipeline.RawItem{
			Platform:  x.Platform(),
			NativeID:  entry.ID,
			AuthorID:  entry.NoteCard.User.UserID,
			Body:      body,
			MediaRefs: media,
			PostedAt:  time.UnixMilli(entry.NoteCard.Time).UTC(),
			FetchedAt: now,
		})
	}

	next := ""
	if payload.Data.HasMore && len(items) > 0 {
		next = strconv.Itoa(page + 1)
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}

type xhsCommentsPayload struct {
	Data struct {
		Comments []struct {
			ID         string `json:"id"`
			Content    string `json:"content"`
			CreateTime int64  `json:"create_time"`
			UserInfo   struct {
				UserID string `json:"user_id"`
			} `json:"user_info"`
		} `json:"comments"`
		Cursor  string `json:"cursor"`
		HasMore bool   `json:"has_more"`
	} `json:"data"`
}

// Comments pages through a note's comments using the API's opaque cursor.
func (x *Xiaohongshu) Comments(ctx context.Context, postID, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	q := url.Values{}
	q.Set("note_id", postID)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	resp, err := x.deps.Client.Get(ctx, fetch.Request{
		URL:      x.baseURL + "/api/sns/web/v2/comment/page?" + q.Encode(),
		Platform: x.Platform(),
		Op:       pipeline.OpComments,
		Headers:  map[string]string{"Origin": "https://www.xiaohongshu.com"},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload xhsCommentsPayload
	if err := x.deps.decodeJSON(ctx, x.Platform(), "xhs comments", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}

	now := x.deps.Clock.Now()
	items := make([]pipeline.RawItem, 0, len(payload.Data.Comments))
	for _, c := range payload.Data.Comments {
		if c.ID == "" {
			continue
		}
		items = append(items, pipeline.RawItem{
			Platform:  x.Platform(),
			NativeID:  c.ID,
			ParentID:  postID,
			AuthorID:  c.UserInfo.UserID,
			Body:      c.Content,
			PostedAt:  time.UnixMilli(c.CreateTime).UTC(),
			FetchedAt: now,
		})
	}

	next := ""
	if payload.Data.HasMore {
		next = payload.Data.Cursor
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}
