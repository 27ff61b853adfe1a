// Package fetch provides the default, concrete implementations of the
// two external collaborators the Request Handler depends on but never
// constructs itself: FetchTemplate and FetchContext. Both follow the same
// "build request → client.Do → branch on status/err" shape the teacher
// uses in its provider adapters, generalized from an LLM API call to a
// page-template/context microservice call.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fragserv/fragserv/internal/fragserv"
	"github.com/fragserv/fragserv/internal/fragtemplate"
)

// TemplateService resolves page templates by request path against one
// upstream template-rendering service.
type TemplateService struct {
	BaseURL string
	Client  *http.Client
}

// NewTemplateService creates a TemplateService. A nil client falls back
// to http.DefaultClient.
func NewTemplateService(baseURL string, client *http.Client) *TemplateService {
	if client == nil {
		client = http.DefaultClient
	}
	return &TemplateService{BaseURL: baseURL, Client: client}
}

// Fetch implements fragserv.TemplateFetcher: it requests the template
// for r.URL.Path from the template service and hands the body to parse.
func (s *TemplateService) Fetch(ctx context.Context, r *http.Request, parse fragserv.ParseFunc) ([]fragtemplate.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+r.URL.Path, nil)
	if err != nil {
		return nil, fragserv.NewError(fragserv.KindTemplateFetchError, err, "")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fragserv.NewError(fragserv.KindTemplateFetchError, err, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fragserv.NewError(fragserv.KindTemplateNotFound, nil, "")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fragserv.NewError(
			fragserv.KindTemplateFetchError,
			fmt.Errorf("template service returned status %d", resp.StatusCode),
			"",
		)
	}

	return parse(resp.Body)
}

// ContextService resolves the per-request slot values used to populate
// named template slots from one upstream context service.
type ContextService struct {
	BaseURL string
	Client  *http.Client
}

// NewContextService creates a ContextService. A nil client falls back to
// http.DefaultClient.
func NewContextService(baseURL string, client *http.Client) *ContextService {
	if client == nil {
		client = http.DefaultClient
	}
	return &ContextService{BaseURL: baseURL, Client: client}
}

// Fetch implements fragserv.ContextFetcher. A failure here is always
// non-fatal to the request (spec.md §7): the handler logs it and
// proceeds with an empty slot set.
func (s *ContextService) Fetch(ctx context.Context, r *http.Request) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+r.URL.Path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("context service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return map[string]string{}, nil
	}

	var values map[string]string
	if err := json.Unmarshal(body, &values); err != nil {
		return nil, fmt.Errorf("decoding context response: %w", err)
	}
	return values, nil
}
