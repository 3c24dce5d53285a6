package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// Credentials holds preconfigured cookies for one platform.
type Credentials struct {
	Cookies   map[string]string
	UserAgent string
	TTL       time.Duration
}

// StaticAuthenticator mints sessions from configured cookies. Suitable for
// platforms whose sessions are provisioned out of band.
type StaticAuthenticator struct {
	creds map[pipeline.Platform]Credentials
	clock pipeline.Clock
}

// NewStaticAuthenticator constructs a StaticAuthenticator.
func NewStaticAuthenticator(creds map[pipeline.Platform]Credentials, clock pipeline.Clock) *StaticAuthenticator {
	return &StaticAuthenticator{creds: creds, clock: clock}
}

// Login builds a session from the configured credentials.
func (a *StaticAuthenticator) Login(_ context.Context, platform pipeline.Platform) (*pipeline.Session, error) {
	c, ok := a.creds[platform]
	if !ok || len(c.Cookies) == 0 {
		return nil, pipeline.NewPlatformError(
			pipeline.ClassAuthRejected, "static login", platform,
			fmt.Errorf("no credentials configured"),
		)
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	cookies := make(map[string]string, len(c.Cookies))
	for k, v := range c.Cookies {
		cookies[k] = v
	}
	return &pipeline.Session{
		ID:        uuid.NewString(),
		Platform:  platform,
		Cookies:   cookies,
		UserAgent: c.UserAgent,
		ExpiresAt: a.clock.Now().Add(ttl),
	}, nil
}
