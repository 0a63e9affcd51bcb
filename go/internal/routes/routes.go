// Package routes resolves route references into presentable route content:
// the asset to show and which side is the correct pick.
package routes

import (
	"context"
	"fmt"

	"github.com/routeduel/routeduel/go/internal/models"
)

// RouteInfo is the resolved content behind a route reference.
type RouteInfo struct {
	AssetID string      `json:"assetId"`
	Correct models.Side `json:"correctSide"`
}

// Source resolves route references. Implementations are expected to be safe
// for concurrent use; the engine fetches the next route while the current
// one is still on screen.
type Source interface {
	Route(ctx context.Context, ref models.RouteRef) (RouteInfo, error)
}

// StaticSource serves routes from a fixed in-memory table. Local matches and
// tests use it so a round never waits on the network.
type StaticSource struct {
	table map[models.RouteRef]RouteInfo
}

func NewStaticSource(table map[models.RouteRef]RouteInfo) *StaticSource {
	copied := make(map[models.RouteRef]RouteInfo, len(table))
	for ref, info := range table {
		copied[ref] = info
	}
	return &StaticSource{table: copied}
}

func (s *StaticSource) Route(_ context.Context, ref models.RouteRef) (RouteInfo, error) {
	info, ok := s.table[ref]
	if !ok {
		return RouteInfo{}, fmt.Errorf("unknown route reference %q", ref)
	}
	return info, nil
}
