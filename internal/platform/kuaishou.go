package platform

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/platform/fetch"
)

const (
	kuaishouDefaultBaseURL = "https://www.kuaishou.com"
	// kuaishouEndCursor is the sentinel pcursor for the last page.
	kuaishouEndCursor = "no_more"
)

// Kuaishou crawls the vision search and comment endpoints. Pagination uses
// the API's opaque pcursor strings.
type Kuaishou struct {
	deps    Deps
	baseURL string
}

// NewKuaishou builds the Kuaishou connector.
func NewKuaishou(deps Deps, baseURL string) *Kuaishou {
	if baseURL == "" {
		baseURL = kuaishouDefaultBaseURL
	}
	return &Kuaishou{deps: deps, baseURL: baseURL}
}

func (k *Kuaishou) Platform() pipeline.Platform { return pipeline.PlatformKuaishou }

type kuaishouSearchPayload struct {
	Data struct {
		VisionSearchPhoto struct {
			Feeds []struct {
				Photo struct {
					ID        string `json:"id"`
					Caption   string `json:"caption"`
					Timestamp int64  `json:"timestamp"`
					PhotoURL  string `json:"photoUrl"`
				} `json:"photo"`
				Author struct {
					ID string `json:"id"`
				} `json:"author"`
			} `json:"feeds"`
			PCursor string `json:"pcursor"`
		} `json:"visionSearchPhoto"`
	} `json:"data"`
}

// Search pages through vision search results.
func (k *Kuaishou) Search(ctx context.Context, keyword, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	q := url.Values{}
	q.Set("keyword", keyword)
	if cursor != "" {
		q.Set("pcursor", cursor)
	}
	resp, err := k.deps.Client.Get(ctx, fetch.Request{
		URL:      k.baseURL + "/rest/wd/search/photo?" + q.Encode(),
		Platform: k.Platform(),
		Op:       pipeline.OpSearch,
		Headers:  map[string]string{"Referer": k.baseURL},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload kuaishouSearchPayload
	if err := k.deps.decodeJSON(ctx, k.Platform(), "kuaishou search", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}

	now := k.deps.Clock.Now()
	search := payload.Data.VisionSearchPhoto
	items := make([]pipeline.RawItem, 0, len(search.Feeds))
	for _, feed := range search.Feeds {
		if feed.Photo.ID == "" {
			continue
		}
		var media []string
		if feed.Photo.PhotoURL != "" {
			media = []string{feed.Photo.PhotoURL}
		}
		items = append(items, pipeline.RawItem{
			Platform:  k.Platform(),
			NativeID:  feed.Photo.ID,
			AuthorID:  feed.Author.ID,
			Body:      feed.Photo.Caption,
			MediaRefs: media,
			PostedAt:  time.UnixMilli(feed.Photo.Timestamp).UTC(),
			FetchedAt: now,
		})
	}

	next := search.PCursor
	if next == kuaishouEndCursor || len(items) == 0 {
		next = ""
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}

type kuaishouCommentsPayload struct {
	Data struct {
		VisionCommentList struct {
			RootComments []struct {
				CommentID int64  `json:"commentId"`
				Content   string `json:"content"`
				Timestamp int64  `json:"timestamp"`
				AuthorID  string `json:"authorId"`
			} `json:"rootComments"`
			PCursor string `json:"pcursor"`
		} `json:"visionCommentList"`
	} `json:"data"`
}

// Comments pages through a photo's root comments.
func (k *Kuaishou) Comments(ctx context.Context, postID, cursor string, session *pipeline.Session) (pipeline.ItemPage, error) {
	q := url.Values{}
	q.Set("photoId", postID)
	if cursor != "" {
		q.Set("pcursor", cursor)
	}
	resp, err := k.deps.Client.Get(ctx, fetch.Request{
		URL:      k.baseURL + "/rest/wd/comment/list?" + q.Encode(),
		Platform: k.Platform(),
		Op:       pipeline.OpComments,
		Headers:  map[string]string{"Referer": k.baseURL + "/short-video/" + postID},
		Session:  session,
	})
	if err != nil {
		return pipeline.ItemPage{}, err
	}

	var payload kuaishouCommentsPayload
	if err := k.deps.decodeJSON(ctx, k.Platform(), "kuaishou comments", resp.Body, &payload); err != nil {
		return pipeline.ItemPage{}, err
	}

	now := k.deps.Clock.Now()
	list := payload.Data.VisionCommentList
	items := make([]pipeline.RawItem, 0, len(list.RootComments))
	for _, c := range list.RootComments {
		if c.CommentID == 0 {
			continue
		}
		items = append(items, pipeline.RawItem{
			Platform:  k.Platform(),
			NativeID:  strconv.FormatInt(c.CommentID, 10),
			ParentID:  postID,
			AuthorID:  c.AuthorID,
			Body:      c.Content,
			PostedAt:  time.UnixMilli(c.Timestamp).UTC(),
			FetchedAt: now,
		})
	}

	next := list.PCursor
	if next == kuaishouEndCursor || len(items) == 0 {
		next = ""
	}
	return pipeline.ItemPage{Items: items, NextCursor: next}, nil
}
