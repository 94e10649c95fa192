// Package openalex queries the OpenAlex works API for papers matching a
// keyword, one page at a time.
package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/retry"
)

// DefaultBaseURL is the OpenAlex works endpoint.
const DefaultBaseURL = "https://api.openalex.org/works"

// MaxPerPage is the largest page size the API accepts.
const MaxPerPage = 200

// Record is one work as delivered by the source. AbstractIndex is the raw
// positional index; turning it into text is the collector's job.
type Record struct {
	ID            string
	Title         string
	AbstractIndex map[string][]int
	Year          int
	URL           string
	Authors       []string
	Institutions  []string
}

// Page is one page of search results.
type Page struct {
	Records []Record
	HasMore bool
	Total   int
}

// Client is an OpenAlex works API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Email is sent as mailto parameter for polite pool access.
	Email string
	// AuthorsLimit and InstitutionsLimit cap the metadata kept per work.
	AuthorsLimit      int
	InstitutionsLimit int
}

// New returns a Client for baseURL, or DefaultBaseURL when empty.
func New(baseURL, email string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:           strings.TrimRight(baseURL, "/"),
		HTTPClient:        &http.Client{Timeout: 30 * time.Second},
		Email:             email,
		AuthorsLimit:      3,
		InstitutionsLimit: 3,
	}
}

// Name returns the source identifier.
func (c *Client) Name() string { return "openalex" }

// Search fetches page (1-based) of works matching keyword that carry an
// abstract. Network failures and retryable statuses wrap
// research.ErrTransientIO.
func (c *Client) Search(ctx context.Context, keyword string, page, perPage int) (Page, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return Page{}, fmt.Errorf("empty OpenAlex query")
	}
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 25
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	params := url.Values{
		"search":   {keyword},
		"per-page": {strconv.Itoa(perPage)},
		"page":     {strconv.Itoa(page)},
		"filter":   {"has_abstract:true"},
	}
	if c.Email != "" {
		params.Set("mailto", c.Email)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("creating request: %w", err)
	}
	ua := "topicforge"
	if c.Email != "" {
		ua += " (mailto:" + c.Email + ")"
	}
	req.Header.Set("User-Agent", ua)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		return Page{}, fmt.Errorf("OpenAlex API request: %w: %v", research.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		if retry.HTTPStatusRetryable(resp.StatusCode) {
			return Page{}, fmt.Errorf("OpenAlex API returned HTTP %d: %w", resp.StatusCode, research.ErrTransientIO)
		}
		return Page{}, fmt.Errorf("OpenAlex API returned HTTP %d", resp.StatusCode)
	}

	var oar openAlexResponse
	if err := json.NewDecoder(resp.Body).Decode(&oar); err != nil {
		return Page{}, fmt.Errorf("parsing OpenAlex response: %w: %v", research.ErrTransientIO, err)
	}

	out := Page{
		Total:   oar.Meta.Count,
		HasMore: len(oar.Results) == perPage && page*perPage < oar.Meta.Count,
	}
	for _, w := range oar.Results {
		out.Records = append(out.Records, c.toRecord(w))
	}
	return out, nil
}

func (c *Client) toRecord(w openAlexWork) Record {
	r := Record{
		ID:            shortID(w.ID),
		Title:         PlainText(w.Title),
		AbstractIndex: w.AbstractInvertedIndex,
		Year:          w.PublicationYear,
		URL:           w.ID,
	}
	if w.DOI != "" {
		r.URL = w.DOI
	}

	for _, a := range w.Authorships {
		if c.AuthorsLimit > 0 && len(r.Authors) >= c.AuthorsLimit {
			break
		}
		if a.Author.DisplayName != "" {
			r.Authors = append(r.Authors, a.Author.DisplayName)
		}
		for _, inst := range a.Institutions {
			if inst.DisplayName == "" || contains(r.Institutions, inst.DisplayName) {
				continue
			}
			r.Institutions = append(r.Institutions, inst.DisplayName)
		}
	}
	if c.InstitutionsLimit > 0 && len(r.Institutions) > c.InstitutionsLimit {
		r.Institutions = r.Institutions[:c.InstitutionsLimit]
	}
	return r
}

// shortID turns "https://openalex.org/W2741809807" into "W2741809807".
func shortID(id string) string {
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// OpenAlex API JSON structures.
type openAlexResponse struct {
	Meta    openAlexMeta   `json:"meta"`
	Results []openAlexWork `json:"results"`
}

type openAlexMeta struct {
	Count   int `json:"count"`
	PerPage int `json:"per_page"`
	Page    int `json:"page"`
}

type openAlexWork struct {
	ID                    string               `json:"id"`
	Title                 string               `json:"title"`
	DOI                   string               `json:"doi"`
	PublicationYear       int                  `json:"publication_year"`
	Authorships           []openAlexAuthorship `json:"authorships"`
	AbstractInvertedIndex map[string][]int     `json:"abstract_inverted_index"`
}

type openAlexAuthorship struct {
	Author       openAlexAuthor        `json:"author"`
	Institutions []openAlexInstitution `json:"institutions"`
}

type openAlexAuthor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type openAlexInstitution struct {
	DisplayName string `json:"display_name"`
}
