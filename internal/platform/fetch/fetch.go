// Package fetch provides the rate-governed HTTP client shared by all
// platform connectors.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/siftlabs/sentiment-crawler/internal/governor"
	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Request describes one governed platform call.
type Request struct {
	URL      string
	Platform pipeline.Platform
	Op       pipeline.OpClass
	Headers  map[string]string
	Session  *pipeline.Session
}

// Response is the raw result of a governed call.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Client executes platform requests through the rate governor and maps
// transport-level failures onto the pipeline error taxonomy.
type Client struct {
	cfg           Config
	gov           *governor.Governor
	baseCollector *colly.Collector
}

// New builds a Client.
func New(cfg Config, gov *governor.Governor) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	// colly v2.1.0's Async option enables async mode regardless of its
	// argument; omitting it keeps the collector synchronous.
	c := colly.NewCollector()
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Client{
		cfg:           cfg,
		gov:           gov,
		baseCollector: c,
	}
}

// Get performs a governed GET. It waits for a rate token, applies the
// session's cookies and user-agent, and reports throttle signals back to the
// governor. Non-2xx statuses come back as classified errors.
func (c *Client) Get(ctx context.Context, req Request) (*Response, error) {
	if err := c.gov.Wait(ctx, req.Platform, req.Op); err != nil {
		return nil, pipeline.NewPlatformError(pipeline.ClassTransientNetwork, "fetch wait", req.Platform, err)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, c.classifyTransport(req, err)
	}

	if err := c.classifyStatus(req, resp); err != nil {
		return nil, err
	}
	c.gov.ReportSuccess(req.Platform, req.Op)
	return resp, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	collector := c.baseCollector.Clone()
	collector.SetRequestTimeout(c.cfg.Timeout)
	if ua := c.userAgent(req); ua != "" {
		collector.UserAgent = ua
	}

	var (
		result   *Response
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for k, v := range req.Headers {
			r.Headers.Set(k, v)
		}
		if req.Session != nil && len(req.Session.Cookies) > 0 {
			r.Headers.Set("Cookie", cookieHeader(req.Session.Cookies))
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = &Response{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Headers:    r.Headers.Clone(),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// Keep the status so the caller can classify it.
			result = &Response{
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
			}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if result != nil {
			return result, nil
		}
		if fetchErr != nil {
			return nil, fetchErr
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no response for %s", req.URL)
	}
}

func (c *Client) classifyStatus(req Request, resp *Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		c.gov.ReportThrottled(req.Platform, req.Op)
		return pipeline.NewPlatformError(
			pipeline.ClassThrottled, "fetch", req.Platform,
			fmt.Errorf("status %d from %s", resp.StatusCode, req.URL),
		)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return pipeline.NewPlatformError(
			pipeline.ClassAuthRejected, "fetch", req.Platform,
			fmt.Errorf("status %d from %s", resp.StatusCode, req.URL),
		)
	case resp.StatusCode >= 500:
		// Platform 5xx is a transient server hiccup, not a dead source.
		return pipeline.NewPlatformError(
			pipeline.ClassTransientNetwork, "fetch", req.Platform,
			fmt.Errorf("status %d from %s", resp.StatusCode, req.URL),
		)
	default:
		return pipeline.NewPlatformError(
			pipeline.ClassMalformedResponse, "fetch", req.Platform,
			fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL),
		)
	}
}

func (c *Client) classifyTransport(req Request, err error) error {
	class := pipeline.ClassSourceUnavailable
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		class = pipeline.ClassTransientNetwork
	}
	return pipeline.NewPlatformError(class, "fetch", req.Platform, err)
}

func (c *Client) userAgent(req Request) string {
	if req.Session != nil && req.Session.UserAgent != "" {
		return req.Session.UserAgent
	}
	return c.cfg.UserAgent
}

func cookieHeader(cookies map[string]string) string {
	parts := make([]string, 0, len(cookies))
	for k, v := range cookies {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
