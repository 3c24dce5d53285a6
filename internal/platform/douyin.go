package platform

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/platform/fetch"
)

const douyinDefaultBaseURL = "https://www.douyin.com"

// Douyin crawls the web general-search and comment-list endpoints.
type Douyin struct {
	deps    Deps
	baseURL string
}

// NewDouyin builds the Douyin connector.
func NewDouyin(deps Deps, baseURL string) *Douyin {
	if baseURL == "" {
		baseURL = douyinDefaultBaseURL
	}
	return &Douyin{deps: deps, baseURL: baseURL}
}

func (d *Douyin) Platform() pipeline.Platform { return pipeline.PlatformDouyin }

type douyinSearchPayload struct {
	StatusCode int `json:"status_code"`
	Data       []struct {
		AwemeInfo struct {
			AwemeID    string `json:"aweme_id"`
			Desc       string `json:"desc"`
			CreateTime int64  `json:"create_time"`
			Author     struct {
				UID string `json:"uid"`
			} `json:"author"`
			Video struct {
				PlayAddr struct {
					URLList []string `json:"url_list"`
				} `json:"play_addr"`
			} `json:"video"`
		} `json:"aweme_info"`
	} `json:"data"`
	HasMore int   `json:"has_more"`
	Cursor  int64 `json:"cursor"`
}

// Search pages through general search. The cursor is the API's numeric
// offset.
func (d *Douyin) Search(ctx context.Context, keyword, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	offset, err := pageCursor(cursor, 0)
	if err != nil {
		return pipeline.ItemPage{}, pipeline.NewPlatformError(pipeline.ClassMalformedKeyword, "douyin search", d.Platform(), err)
	}

	q := url.Values{}
	q.Set("keyword", keyword)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("search_channel", "aweme_general")
	resp, err := d.deps.Client.Get(ctx, fetch.Request{
		URL:      d.baseURL + "/aweme/v1/web/general/search/single/?" + q.Encode(),
		Platform: d.Platform(),
		Op:       pipeline.OpSearch,
		Headers:  map[string]string{"Referer": d.baseURL + "/search/" + url.PathEscape(keyword)},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload douyinSearchPayload
	if err := d.deps.decodeJSON(ctx, d.Platform(), "douyin search", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}

	now := d.deps.Clock.Now()
	items := make([]pipeline.RawItem, 0, len(payload.Data))
	for _, entry := range payload.Data {
		info := entry.AwemeInfo
		if info.AwemeID == "" {
			continue
		}
		items = append(items, pipeline.RawItem{
			Platform:  d.Platform(),
			NativeID:  info.AwemeID,
			AuthorID:  info.Author.UID,
			Body:      info.Desc,
			MediaRefs: info.Video.PlayAddr.URLList,
			PostedAt:  time.Unix(info.CreateTime, 0).UTC(),
			FetchedAt: now,
		})
	}

	next := ""
	if payload.HasMore == 1 {
		next = strconv.FormatInt(payload.Cursor, 10)
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}

type douyinCommentsPayload struct {
	StatusCode int `json:"status_code"`
	Comments   []struct {
		CID        string `json:"cid"`
		Text       string `json:"text"`
		CreateTime int64  `json:"create_time"`
		User       struct {
			UID string `json:"uid"`
		} `json:"user"`
	} `json:"comments"`
	HasMore int   `json:"has_more"`
	Cursor  int64 `json:"cursor"`
}

// Comments pages through a video's comment list.
func (d *Douyin) Comments(ctx context.Context, postID, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	offset, err := pageCursor(cursor, 0)
	if err != nil {
		return pipeline.ItemPage{}, pipeline.NewPlatformError(pipeline.ClassMalformedResponse, "douyin comments", d.Platform(), err)
	}

	q := url.Values{}
	q.Set("aweme_id", postID)
	q.Set("cursor", strconv.Itoa(offset))
	q.Set("count", "20")
	resp, err := d.deps.Client.Get(ctx, fetch.Request{
		URL:      d.baseURL + "/aweme/v1/web/comment/list/?" + q.Encode(),
		Platform: d.Platform(),
		Op:       pipeline.OpComments,
		Headers:  map[string]string{"Referer": d.baseURL},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload douyinCommentsPayload
	if err := d.deps.decodeJSON(ctx, d.Platform(), "douyin comments", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}

	now := d.deps.Clock.Now()
	items := make([]pipeline.RawItem, 0, len(payload.Comments))
	for _, c := range payload.Comments {
		if c.CID == "" {
			continue
		}
		items = append(items, pipeline.RawItem{
			Platform:  d.Platform(),
			NativeID:  c.CID,
			ParentID:  postID,
			AuthorID:  c.User.UID,
			Body:      c.Text,
			PostedAt:  time.Unix(c.CreateTime, 0).UTC(),
			FetchedAt: now,
		})
	}

	next := ""
	if payload.HasMore == 1 {
		next = strconv.FormatInt(payload.Cursor, 10)
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}
