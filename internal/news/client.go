package news

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the NewsAPI top headlines endpoint.
const DefaultBaseURL = "https://newsapi.org/v2/top-headlines"

const (
	unknownSource  = "Unknown Source"
	removedTitle   = "[Removed]"
	minTitleLength = 5
)

// Config drives news client behaviour.
type Config struct {
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
	PageSize int
	Language string
	Country  string
	// RetryDelay is how long to wait before retrying a rate limited request.
	RetryDelay time.Duration
}

// Article is a cleaned headline from the feed.
type Article struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url"`
	ImageURL    string     `json:"urlToImage,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	Source      string     `json:"source"`
}

// Client fetches top headlines with a small response cache.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	pageSize   int
	language   string
	country    string
	retryDelay time.Duration
	cacheTTL   time.Duration

	mu     sync.Mutex
	cached cacheEntry
}

type cacheEntry struct {
	at       time.Time
	articles []Article
}

// ErrMissingCredentials is returned when no NewsAPI key is configured.
var ErrMissingCredentials = errors.New("news client missing api key")

// APIError carries the message NewsAPI returned with a non-200 status.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("news api status %d", e.Status)
	}
	return fmt.Sprintf("news api status %d: %s", e.Status, e.Message)
}

// NewClient constructs a news client if configuration is valid.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" || apiKey == "your-news-api-key" {
		return nil, ErrMissingCredentials
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "en"
	}
	country := strings.TrimSpace(cfg.Country)
	if country == "" {
		country = "us"
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		pageSize:   pageSize,
		language:   language,
		country:    country,
		retryDelay: retryDelay,
		cacheTTL:   ttl,
	}, nil
}

// TopHeadlines returns the current headlines, served from cache while fresh.
func (c *Client) TopHeadlines(ctx context.Context) ([]Article, error) {
	if c == nil {
		return nil, errors.New("news client is nil")
	}

	c.mu.Lock()
	cached := c.cached
	c.mu.Unlock()
	if !cached.at.IsZero() && time.Since(cached.at) < c.cacheTTL {
		return cached.articles, nil
	}

	articles, err := c.performRequest(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = cacheEntry{at: time.Now(), articles: articles}
	c.mu.Unlock()
	return articles, nil
}

func (c *Client) performRequest(ctx context.Context) ([]Article, error) {
	params := url.Values{}
	params.Set("language", c.language)
	params.Set("country", c.country)
	params.Set("pageSize", strconv.Itoa(c.pageSize))
	params.Set("sortBy", "publishedAt")

	endpoint := c.baseURL
	if strings.Contains(endpoint, "?") {
		endpoint = endpoint + "&" + params.Encode()
	} else {
		endpoint = endpoint + "?" + params.Encode()
	}

	resp, err := c.do(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
		resp, err = c.do(ctx, endpoint)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	var payload headlinesResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Code: payload.Code, Message: payload.Message}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode news response: %w", decodeErr)
	}
	return cleanArticles(payload.Articles), nil
}

func (c *Client) do(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	return c.httpClient.Do(req)
}

type headlinesResponse struct {
	Status   string       `json:"status"`
	Code     string       `json:"code"`
	Message  string       `json:"message"`
	Articles []rawArticle `json:"articles"`
}

type rawArticle struct {
	Source struct {
		Name string `json:"name"`
	} `json:"source"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	URL         string  `json:"url"`
	URLToImage  *string `json:"urlToImage"`
	PublishedAt string  `json:"publishedAt"`
}

func cleanArticles(raw []rawArticle) []Article {
	out := make([]Article, 0, len(raw))
	for _, item := range raw {
		if item.Title == nil {
			continue
		}
		title := strings.TrimSpace(*item.Title)
		if title == "" || title == removedTitle || len([]rune(title)) <= minTitleLength {
			continue
		}
		article := Article{
			Title:  title,
			URL:    strings.TrimSpace(item.URL),
			Source: strings.TrimSpace(item.Source.Name),
		}
		if article.URL == "" {
			article.URL = "#"
		}
		if article.Source == "" {
			article.Source = unknownSource
		}
		if item.Description != nil {
			article.Description = strings.TrimSpace(*item.Description)
		}
		if item.URLToImage != nil {
			article.ImageURL = strings.TrimSpace(*item.URLToImage)
		}
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(item.PublishedAt)); err == nil {
			article.PublishedAt = &ts
		}
		out = append(out, article)
	}
	return out
}
