package platform

import (
	"fmt"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// Registry maps platform names to connector instances.
type Registry struct {
	connectors map[pipeline.Platform]pipeline.Connector
}

// NewRegistry builds connectors for the requested platforms. Unknown names
// are rejected up front so a typo in the config fails the run at startup.
func NewRegistry(deps Deps, platforms []pipeline.Platform) (*Registry, error) {
	r := &Registry{connectors: make(map[pipeline.Platform]pipeline.Connector, len(platforms))}
	for _, p := range platforms {
		c, err := newConnector(deps, p)
		if err != nil {
			return nil, err
		}
		r.connectors[p] = c
	}
	return r, nil
}

// Connector returns the connector for a platform.
func (r *Registry) Connector(p pipeline.Platform) (pipeline.Connector, error) {
	c, ok := r.connectors[p]
	if !ok {
		return nil, fmt.Errorf("platform %q not registered", p)
	}
	return c, nil
}

// Platforms lists the registered platforms.
func (r *Registry) Platforms() []pipeline.Platform {
	out := make([]pipeline.Platform, 0, len(r.connectors))
	for _, p := range pipeline.AllPlatforms() {
		if _, ok := r.connectors[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Register overrides the connector for a platform. Used by tests to plug in
// fakes.
func (r *Registry) Register(c pipeline.Connector) {
	r.connectors[c.Platform()] = c
}

func newConnector(deps Deps, p pipeline.Platform) (pipeline.Connector, error) {
	switch p {
	case pipeline.PlatformWeibo:
		return NewWeibo(deps, ""), nil
	case pipeline.PlatformDouyin:
		return NewDouyin(deps, ""), nil
	case pipeline.PlatformKuaishou:
		return NewKuaishou(deps, ""), nil
	case pipeline.PlatformXiaohongshu:
		return NewXiaohongshu(deps, ""), nil
	case pipeline.PlatformTieba:
		return NewTieba(deps, ""), nil
	case pipeline.PlatformZhihu:
		return NewZhihu(deps, ""), nil
	case pipeline.PlatformBilibili:
		return NewBilibili(deps, ""), nil
	default:
		return nil, fmt.Errorf("platform %q not supported", p)
	}
}
