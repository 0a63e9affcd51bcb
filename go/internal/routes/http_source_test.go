package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/routeduel/routeduel/go/internal/models"
)

func TestHTTPSourceRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/routes/route-7":
			w.Write([]byte(`{"assetId":"clip-7","correctSide":"LEFT"}`))
		case "/routes/bad-side":
			w.Write([]byte(`{"assetId":"clip-x","correctSide":"UP"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	source := NewHTTPSource(srv.URL)

	info, err := source.Route(context.Background(), "route-7")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if info.AssetID != "clip-7" || info.Correct != models.SideLeft {
		t.Errorf("info = %+v, want clip-7/LEFT", info)
	}

	if _, err := source.Route(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing route")
	}
	if _, err := source.Route(context.Background(), "bad-side"); err == nil {
		t.Error("expected error for invalid correct side")
	}
}

func TestStaticSourceRoute(t *testing.T) {
	source := NewStaticSource(map[models.RouteRef]RouteInfo{
		"r1": {AssetID: "a1", Correct: models.SideRight},
	})

	info, err := source.Route(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if info.Correct != models.SideRight {
		t.Errorf("correct side = %s, want RIGHT", info.Correct)
	}
	if _, err := source.Route(context.Background(), "r2"); err == nil {
		t.Error("expected error for unknown reference")
	}
}
