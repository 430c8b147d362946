// Package registry resolves upload schemas from the Bridge server.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bridge-exporter/internal/model"
)

// ErrSchemaNotFound means no schema exists for the key
var ErrSchemaNotFound = errors.New("schema not found")

// Source fetches one schema
type Source interface {
	GetSchema(ctx context.Context, key model.SchemaKey) (*model.Schema, error)
}

// HTTPSource reads schemas from the Bridge REST API
type HTTPSource struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPSource creates an HTTP schema source
func NewHTTPSource(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPSource {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type schemaResponse struct {
	StudyID          string                  `json:"studyId"`
	SchemaID         string                  `json:"schemaId"`
	Revision         int                     `json:"revision"`
	FieldDefinitions []model.FieldDefinition `json:"fieldDefinitions"`
}

// GetSchema fetches the schema revision of a study
func (s *HTTPSource) GetSchema(ctx context.Context, key model.SchemaKey) (*model.Schema, error) {
	path := fmt.Sprintf("%s/v4/studies/%s/uploadschemas/%s/revisions/%s",
		s.baseURL, url.PathEscape(key.StudyID), url.PathEscape(key.SchemaID), strconv.Itoa(key.Revision))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Bridge-Session", s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get schema %s: %w", key, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", key, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, key)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("get schema %s: status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out schemaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", key, err)
	}
	s.logger.Debug("fetched schema", "schema", key.String(), "fields", len(out.FieldDefinitions))
	return &model.Schema{Key: key, FieldDefinitions: out.FieldDefinitions}, nil
}
