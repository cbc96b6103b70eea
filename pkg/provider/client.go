package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/uniapi/uniapi/pkg/config"
)

// HTTPError is a non-2xx discovery response.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider %s models status %d: %s", e.Provider, e.StatusCode, e.Body)
}

type modelListPayload struct {
	// OpenAI shape: {"data":[{"id":"..."}]}
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
	// Gemini shape: {"models":[{"name":"models/..."}]}
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// FetchModels lists the provider's models from its models_endpoint. Both the
// OpenAI and the Gemini payload shapes are understood; Gemini ids have their
// leading "models/" stripped.
func FetchModels(ctx context.Context, client *http.Client, p config.ProviderConfig) ([]string, error) {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("provider %s base_url: %w", p.Name, err)
	}
	u.Path = joinPath(u.Path, p.ModelsEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &HTTPError{
			Provider:   p.Name,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	var payload modelListPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("provider %s models: %w", p.Name, err)
	}
	ids := make([]string, 0, len(payload.Data)+len(payload.Models))
	for _, m := range payload.Data {
		if id := NormalizeModelID(m.ID); id != "" {
			ids = append(ids, id)
		}
	}
	for _, m := range payload.Models {
		if id := NormalizeModelID(m.Name); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// NormalizeModelID strips the Gemini "models/" prefix.
func NormalizeModelID(id string) string {
	id = strings.TrimSpace(id)
	return strings.TrimPrefix(id, "models/")
}

func joinPath(basePath, endpoint string) string {
	base := path.Clean("/" + strings.TrimSpace(basePath))
	ep := path.Clean("/" + strings.TrimSpace(endpoint))
	if base == "/" {
		return ep
	}
	return path.Join(base, ep)
}
