package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/routeduel/routeduel/go/internal/models"
)

const defaultTimeout = 30 * time.Second

// HTTPSource resolves route references against a route content service.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
		headers: make(map[string]string),
	}
}

func (s *HTTPSource) SetHeader(key, value string) {
	s.headers[key] = value
}

func (s *HTTPSource) SetTimeout(timeout time.Duration) {
	s.client.Timeout = timeout
}

type routeResponse struct {
	AssetID     string `json:"assetId"`
	CorrectSide string `json:"correctSide"`
}

func (s *HTTPSource) Route(ctx context.Context, ref models.RouteRef) (RouteInfo, error) {
	endpoint := fmt.Sprintf("%s/routes/%s", s.baseURL, url.PathEscape(string(ref)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RouteInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return RouteInfo{}, fmt.Errorf("failed to fetch route %s: %w", ref, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RouteInfo{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return RouteInfo{}, fmt.Errorf("route service returned status code: %d, response: %s", resp.StatusCode, string(body))
	}

	var decoded routeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return RouteInfo{}, fmt.Errorf("failed to unmarshal route %s: %w, raw response: %s", ref, err, string(body))
	}

	side := models.Side(decoded.CorrectSide)
	if side != models.SideLeft && side != models.SideRight {
		return RouteInfo{}, fmt.Errorf("route %s has invalid correct side %q", ref, decoded.CorrectSide)
	}
	return RouteInfo{AssetID: decoded.AssetID, Correct: side}, nil
}
