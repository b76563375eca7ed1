// Package scraper implements the client protocol for the two upstream
// content scrapers and merges their results into one normalized sequence.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trendscope/harvester/internal/harvest"
)

// DefaultCallTimeout bounds one upstream scrape call. Upstream jobs can run
// for minutes; anything past this is treated as a timeout failure.
const DefaultCallTimeout = 15 * time.Minute

// Config controls the scraper client.
type Config struct {
	// ReelURL is the base URL of the reel-specialized backend.
	ReelURL string
	// PostsURL is the base URL of the general post backend.
	PostsURL string
	// Limit caps how many posts one call may return.
	Limit       int
	IGUsername  string
	IGPassword  string
	CallTimeout time.Duration
}

// Client talks to the scrape capabilities over HTTP. It is stateless.
type Client struct {
	httpClient *http.Client
	cfg        Config
	clock      harvest.Clock
	logger     *zap.Logger
}

// New constructs a Client.
func New(cfg Config, clock harvest.Clock, logger *zap.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.CallTimeout},
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
	}
}

type scrapeRequest struct {
	Username     string   `json:"username"`
	Limit        int      `json:"limit"`
	DaysLimit    int      `json:"daysLimit,omitempty"`
	ContentTypes []string `json:"contentTypes"`
	IGUsername   string   `json:"igUsername,omitempty"`
	IGPassword   string   `json:"igPassword,omitempty"`
}

type scrapeResponse struct {
	Success bool      `json:"success"`
	Posts   []rawPost `json:"posts"`
	Count   int       `json:"count"`
	Error   string    `json:"error,omitempty"`
	Log     string    `json:"log,omitempty"`
}

type rawPost struct {
	ID          string `json:"id"`
	Type        string `json:"type,omitempty"`
	IsVideo     bool   `json:"isVideo,omitempty"`
	ChildPosts  int    `json:"childPosts,omitempty"`
	CoverURL    string `json:"coverUrl,omitempty"`
	VideoURL    string `json:"videoUrl,omitempty"`
	Views       int64  `json:"views"`
	Likes       int64  `json:"likes"`
	Comments    int64  `json:"comments"`
	Caption     string `json:"caption,omitempty"`
	Headline    string `json:"headline,omitempty"`
	PublishedAt string `json:"publishedAt,omitempty"`
}

type headlineRequest struct {
	ImageURL string `json:"imageUrl"`
}

type headlineResponse struct {
	Success  bool   `json:"success"`
	Headline string `json:"headline"`
	Error    string `json:"error,omitempty"`
}

// Scrape executes the fetch plan for the requested content types and
// concatenates the normalized results. A failure of one capability call
// never suppresses results from the other; each failed call degrades to an
// empty sequence with its classified error recorded in the result. Scrape
// itself errors only when every call failed and nothing was returned.
func (c *Client) Scrape(ctx context.Context, req harvest.ScrapeRequest) (harvest.ScrapeResult, error) {
	username, err := CanonicalUsername(req.Identifier)
	if err != nil {
		return harvest.ScrapeResult{}, &ClassifiedError{Class: ClassGenericFailure, Message: err.Error()}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = c.cfg.Limit
	}

	cutoff := c.clock.Now().AddDate(0, 0, -req.DaysLimit)
	result := harvest.ScrapeResult{}
	var firstErr error

	for _, call := range planCalls(req.ContentTypes) {
		items, callErr := c.execute(ctx, call, username, req.DaysLimit, limit)
		if callErr != nil {
			c.logger.Warn("scrape call failed",
				zap.String("capability", string(call.capability)),
				zap.String("username", username),
				zap.Error(callErr),
			)
			result.Errors = append(result.Errors, callErr.Error())
			if firstErr == nil {
				firstErr = callErr
			}
			continue
		}
		for _, item := range items {
			// Client-side cutoff: defense in depth against upstream
			// ignoring the daysLimit hint.
			if req.DaysLimit > 0 && !item.PublishedAt.IsZero() && item.PublishedAt.Before(cutoff) {
				continue
			}
			if !call.wantsType(item.ContentType) {
				continue
			}
			result.Items = append(result.Items, item)
		}
	}

	if len(result.Items) == 0 && firstErr != nil {
		return result, firstErr
	}
	return result, nil
}

// execute performs one upstream call under the per-call timeout.
func (c *Client) execute(ctx context.Context, call fetchCall, username string, daysLimit, limit int) ([]harvest.FetchedItem, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	baseURL := c.cfg.PostsURL
	if call.capability == capabilityReels {
		baseURL = c.cfg.ReelURL
	}

	body := scrapeRequest{
		Username:     username,
		Limit:        limit,
		ContentTypes: typeNames(call.types),
		IGUsername:   c.cfg.IGUsername,
		IGPassword:   c.cfg.IGPassword,
	}
	if call.sendDaysHint {
		body.DaysLimit = daysLimit
	}

	var resp scrapeResponse
	if err := c.post(callCtx, baseURL+"/scrape", body, &resp); err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, &ClassifiedError{Class: ClassGenericFailure, Message: "scrape call timed out"}
		}
		return nil, err
	}

	class, classified := Classify(resp.Log + " " + resp.Error)
	items := make([]harvest.FetchedItem, 0, len(resp.Posts))
	for _, post := range resp.Posts {
		items = append(items, normalize(post))
	}

	// Zero items plus a recognized structural error means the call failed;
	// anything returned is a partial success we keep.
	if len(items) == 0 && classified {
		return nil, &ClassifiedError{Class: class, Message: strings.TrimSpace(resp.Error + " " + resp.Log)}
	}
	return items, nil
}

// ExtractHeadline asks the general post backend to read headline text out
// of a cover image.
func (c *Client) ExtractHeadline(ctx context.Context, imageURL string) (string, error) {
	var resp headlineResponse
	if err := c.post(ctx, c.cfg.PostsURL+"/extract-headline", headlineRequest{ImageURL: imageURL}, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("headline extraction failed: %s", resp.Error)
	}
	return resp.Headline, nil
}

func (c *Client) post(ctx context.Context, url string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		// Failure bodies still carry {success:false, error}; classify them.
		var failure scrapeResponse
		if unmarshalErr := json.Unmarshal(raw, &failure); unmarshalErr == nil && failure.Error != "" {
			class, _ := Classify(failure.Error)
			return &ClassifiedError{Class: class, Message: failure.Error}
		}
		return &ClassifiedError{
			Class:   classifyStatus(resp.StatusCode),
			Message: fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode),
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return ClassProxyError
	default:
		return ClassGenericFailure
	}
}

// normalize maps one raw post onto the shared item shape. The content type
// comes from the explicit field when present, otherwise it is inferred from
// video/child-post markers.
func normalize(post rawPost) harvest.FetchedItem {
	item := harvest.FetchedItem{
		ExternalID:  post.ID,
		CoverURL:    post.CoverURL,
		VideoURL:    post.VideoURL,
		Views:       post.Views,
		Likes:       post.Likes,
		Comments:    post.Comments,
		Headline:    post.Headline,
		Description: post.Caption,
		ContentType: inferType(post),
	}
	if post.PublishedAt != "" {
		if ts, err := time.Parse(time.RFC3339, post.PublishedAt); err == nil {
			item.PublishedAt = ts.UTC()
		}
	}
	return item
}

func inferType(post rawPost) harvest.ContentType {
	if post.Type != "" {
		t := strings.ToLower(post.Type)
		return harvest.ContentType(strings.ToUpper(t[:1]) + t[1:])
	}
	switch {
	case post.IsVideo || post.VideoURL != "":
		return harvest.ContentTypeReel
	case post.ChildPosts > 0:
		return harvest.ContentTypeCarousel
	default:
		return harvest.ContentTypeImage
	}
}

func typeNames(types []harvest.ContentType) []string {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	return names
}
