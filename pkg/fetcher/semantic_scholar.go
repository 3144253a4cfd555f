// The Semantic Scholar fetcher looks up citations and references of an entry by its DOI on the Semantic Scholar Graph
// API (https://api.semanticscholar.org/api-docs/graph).

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/nobletooth/relcache/pkg/repository"
)

var (
	semanticScholarURL    = flag.String("semantic_scholar_url", "https://api.semanticscholar.org/graph/v1", "Base URL of the Semantic Scholar Graph API.")
	semanticScholarAPIKey = flag.String("semantic_scholar_api_key", "", "Optional Semantic Scholar API key; raises the rate limit.")
	semanticScholarLimit  = flag.Int("semantic_scholar_limit", 100, "Max number of relations fetched per lookup (API maximum is 1000).")

	ErrMissingIdentifier = errors.New("entry has no doi to look up")
	ErrRateLimited       = errors.New("rate limited by the metadata service")
)

const paperFields = "title,year,authors,externalIds,url,abstract"

// SemanticScholar implements repository.Fetcher on the Semantic Scholar Graph API.
type SemanticScholar struct { // Implements repository.Fetcher.
	client  *http.Client
	baseURL string
	apiKey  string
	limit   int
}

var _ repository.Fetcher = (*SemanticScholar)(nil)

// NewSemanticScholar is the constructor for SemanticScholar. A nil client means http.DefaultClient.
func NewSemanticScholar(client *http.Client, baseURL, apiKey string, limit int) *SemanticScholar {
	if client == nil {
		client = http.DefaultClient
	}
	return &SemanticScholar{client: client, baseURL: strings.TrimSuffix(baseURL, "/"), apiKey: apiKey, limit: limit}
}

// NewSemanticScholarFromFlags builds a SemanticScholar fetcher out of the `semantic_scholar_*` flags.
func NewSemanticScholarFromFlags(client *http.Client) *SemanticScholar {
	return NewSemanticScholar(client, *semanticScholarURL, *semanticScholarAPIKey, *semanticScholarLimit)
}

func (s *SemanticScholar) Name() string {
	return "semantic_scholar"
}

// SearchCitedBy returns the papers citing `e`.
func (s *SemanticScholar) SearchCitedBy(ctx context.Context, e entry.Entry) ([]entry.Entry, error) {
	return s.search(ctx, e, "citations")
}

// SearchCiting returns the papers `e` cites.
func (s *SemanticScholar) SearchCiting(ctx context.Context, e entry.Entry) ([]entry.Entry, error) {
	return s.search(ctx, e, "references")
}

// paper is the subset of the Graph API paper object relcache keeps.
type paper struct {
	PaperID     string                  `json:"paperId"`
	Title       string                  `json:"title"`
	Year        int                     `json:"year"`
	URL         string                  `json:"url"`
	Abstract    string                  `json:"abstract"`
	ExternalIDs map[string]any          `json:"externalIds"`
	Authors     []struct{ Name string } `json:"authors"`
}

// relationPage is a page of the citations or references endpoint.
type relationPage struct {
	Data []struct {
		CitingPaper *paper `json:"citingPaper"`
		CitedPaper  *paper `json:"citedPaper"`
	} `json:"data"`
}

func (s *SemanticScholar) search(ctx context.Context, e entry.Entry, endpoint string) ([]entry.Entry, error) {
	doi := strings.TrimSpace(e.Get(entry.FieldDOI))
	if doi == "" {
		return nil, ErrMissingIdentifier
	}
	query := url.Values{"fields": {paperFields}, "limit": {strconv.Itoa(s.limit)}}
	// DOIs contain slashes, which the API expects unescaped.
	escapedDOI := strings.ReplaceAll(url.PathEscape(doi), "%2F", "/")
	requestURL := fmt.Sprintf("%s/paper/DOI:%s/%s?%s", s.baseURL, escapedDOI, endpoint, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound: // Unknown to the service; nothing relates to it.
		return []entry.Entry{}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var page relationPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", endpoint, err)
	}
	relations := make([]entry.Entry, 0, len(page.Data))
	for _, item := range page.Data {
		related := item.CitingPaper
		if related == nil {
			related = item.CitedPaper
		}
		if related == nil { // The service hides some papers.
			continue
		}
		relatedEntry := related.toEntry()
		// Without a title or a DOI, distinct papers would share one identity and collapse on merge.
		if relatedEntry.Get(entry.FieldTitle) == "" && relatedEntry.Get(entry.FieldDOI) == "" {
			continue
		}
		relations = append(relations, relatedEntry)
	}
	return relations, nil
}

func (p *paper) toEntry() entry.Entry {
	fields := make(map[entry.Field]string)
	setIfPresent := func(field entry.Field, value string) {
		if value != "" {
			fields[field] = value
		}
	}
	setIfPresent(entry.FieldTitle, p.Title)
	if p.Year > 0 {
		fields[entry.FieldYear] = strconv.Itoa(p.Year)
	}
	authors := make([]string, 0, len(p.Authors))
	for _, author := range p.Authors {
		authors = append(authors, author.Name)
	}
	setIfPresent(entry.FieldAuthor, strings.Join(authors, " and "))
	if doi, ok := p.ExternalIDs["DOI"].(string); ok {
		setIfPresent(entry.FieldDOI, doi)
	}
	setIfPresent(entry.FieldURL, p.URL)
	setIfPresent(entry.FieldAbstract, p.Abstract)
	return entry.New("article", fields)
}
