// Package platform implements the per-platform crawl connectors.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/platform/fetch"
)

// Deps are the collaborators every connector shares.
type Deps struct {
	Client *fetch.Client
	// Archive receives raw payloads the connector could not decode. May be
	// nil, in which case malformed errors carry no payload reference.
	Archive pipeline.ArchiveStore
	Clock   pipeline.Clock
}

// decodeJSON unmarshals a platform payload, archiving the raw bytes when the
// shape is unexpected.
func (d Deps) decodeJSON(ctx context.Context, platform pipeline.Platform, op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return d.malformed(ctx, platform, op, body, "application/json", err)
	}
	return nil
}

// malformed builds a ClassMalformedResponse error, attaching the archived
// payload's URI when an archive is configured.
func (d Deps) malformed(ctx context.Context, platform pipeline.Platform, op string, body []byte, contentType string, cause error) error {
	e := &pipeline.Error{
		Class:    pipeline.ClassMalformedResponse,
		Op:       op,
		Platform: platform,
		Err:      cause,
	}
	if d.Archive != nil && len(body) > 0 {
		key := fmt.Sprintf("malformed/%s/%s", platform, uuid.NewString())
		if ref, err := d.Archive.Put(ctx, key, contentType, body); err == nil {
			e.PayloadRef = ref
		}
	}
	return e
}

// pageCursor interprets an opaque cursor as a page number, starting at first
// when the cursor is empty.
func pageCursor(cursor string, first int) (int, error) {
	if cursor == "" {
		return first, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil {
		return 0, fmt.Errorf("bad cursor %q: %w", cursor, err)
	}
	return n, nil
}

// errCode wraps a platform API status code as an error.
func errCode(code int) error {
	return fmt.Errorf("api signalled code=%d", code)
}

// htmlText flattens an HTML fragment to its visible text.
func htmlText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.TrimSpace(doc.Text())
}
