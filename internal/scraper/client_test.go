package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trendscope/harvester/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testClock() fixedClock {
	return fixedClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func scrapeHandler(t *testing.T, resp scrapeResponse) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/scrape", r.URL.Path)
		var req scrapeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Username)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func TestScrapeMergesBothCapabilities(t *testing.T) {
	t.Parallel()

	clock := testClock()
	recent := clock.now.Add(-24 * time.Hour).Format(time.RFC3339)

	reelSrv := httptest.NewServer(scrapeHandler(t, scrapeResponse{
		Success: true,
		Posts:   []rawPost{{ID: "r1", IsVideo: true, Views: 5000, Likes: 100, PublishedAt: recent}},
	}))
	defer reelSrv.Close()
	postsSrv := httptest.NewServer(scrapeHandler(t, scrapeResponse{
		Success: true,
		Posts:   []rawPost{{ID: "p1", Views: 900, Likes: 30, PublishedAt: recent}},
	}))
	defer postsSrv.Close()

	client := New(Config{ReelURL: reelSrv.URL, PostsURL: postsSrv.URL}, clock, zap.NewNop())
	result, err := client.Scrape(context.Background(), harvest.ScrapeRequest{
		Identifier:   "craftyguy",
		ContentTypes: []harvest.ContentType{harvest.ContentTypeReel, harvest.ContentTypeImage},
		DaysLimit:    14,
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	require.Empty(t, result.Errors)
	require.Equal(t, "r1", result.Items[0].ExternalID)
	require.Equal(t, harvest.ContentTypeReel, result.Items[0].ContentType)
	require.Equal(t, "p1", result.Items[1].ExternalID)
	require.Equal(t, harvest.ContentTypeImage, result.Items[1].ContentType)
}

func TestScrapePartialFailureIsNotAnError(t *testing.T) {
	t.Parallel()

	clock := testClock()
	recent := clock.now.Add(-time.Hour).Format(time.RFC3339)

	reelSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer reelSrv.Close()

	posts := make([]rawPost, 5)
	for i := range posts {
		posts[i] = rawPost{ID: string(rune('a' + i)), Views: 100, PublishedAt: recent}
	}
	postsSrv := httptest.NewServer(scrapeHandler(t, scrapeResponse{Success: true, Posts: posts}))
	defer postsSrv.Close()

	client := New(Config{ReelURL: reelSrv.URL, PostsURL: postsSrv.URL}, clock, zap.NewNop())
	result, err := client.Scrape(context.Background(), harvest.ScrapeRequest{
		Identifier:   "craftyguy",
		ContentTypes: []harvest.ContentType{harvest.ContentTypeReel, harvest.ContentTypeImage},
		DaysLimit:    14,
	})
	require.NoError(t, err, "five fetched items must not be discarded over one failed call")
	require.Len(t, result.Items, 5)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], string(ClassRateLimited))
}

func TestScrapeAllCallsFailedReturnsFirstError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(scrapeHandler(t, scrapeResponse{
		Success: false,
		Log:     "ERROR login_required during session bootstrap",
	}))
	defer srv.Close()

	client := New(Config{ReelURL: srv.URL, PostsURL: srv.URL}, testClock(), zap.NewNop())
	_, err := client.Scrape(context.Background(), harvest.ScrapeRequest{
		Identifier:   "craftyguy",
		ContentTypes: []harvest.ContentType{harvest.ContentTypeReel},
	})
	require.Error(t, err)

	var classified *ClassifiedError
	require.True(t, errors.As(err, &classified))
	require.Equal(t, ClassLoginRequired, classified.Class)
	require.True(t, harvest.IsPermanent(err))
}

func TestScrapeAppliesClientSideDateCutoff(t *testing.T) {
	t.Parallel()

	clock := testClock()
	fresh := clock.now.Add(-48 * time.Hour).Format(time.RFC3339)
	stale := clock.now.AddDate(0, 0, -30).Format(time.RFC3339)

	srv := httptest.NewServer(scrapeHandler(t, scrapeResponse{
		Success: true,
		Posts: []rawPost{
			{ID: "fresh", Views: 10, PublishedAt: fresh},
			{ID: "stale", Views: 10, PublishedAt: stale},
		},
	}))
	defer srv.Close()

	client := New(Config{PostsURL: srv.URL}, clock, zap.NewNop())
	result, err := client.Scrape(context.Background(), harvest.ScrapeRequest{
		Identifier:   "craftyguy",
		ContentTypes: []harvest.ContentType{harvest.ContentTypeImage},
		DaysLimit:    14,
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	require.Equal(t, "fresh", result.Items[0].ExternalID)
}

func TestScrapeHonorsRequestLimit(t *testing.T) {
	t.Parallel()

	var gotLimits []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scrapeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotLimits = append(gotLimits, req.Limit)
		require.NoError(t, json.NewEncoder(w).Encode(scrapeResponse{Success: true}))
	}))
	defer srv.Close()

	client := New(Config{PostsURL: srv.URL, Limit: 25}, testClock(), zap.NewNop())

	_, err := client.Scrape(context.Background(), harvest.ScrapeRequest{
		Identifier:   "craftyguy",
		ContentTypes: []harvest.ContentType{harvest.ContentTypeImage},
		Limit:        7,
	})
	require.NoError(t, err)

	// An unset request limit falls back to the configured one.
	_, err = client.Scrape(context.Background(), harvest.ScrapeRequest{
		Identifier:   "craftyguy",
		ContentTypes: []harvest.ContentType{harvest.ContentTypeImage},
	})
	require.NoError(t, err)

	require.Equal(t, []int{7, 25}, gotLimits)
}

func TestScrapeRejectsBadIdentifier(t *testing.T) {
	t.Parallel()

	client := New(Config{}, testClock(), zap.NewNop())
	_, err := client.Scrape(context.Background(), harvest.ScrapeRequest{Identifier: "not a user"})
	var classified *ClassifiedError
	require.True(t, errors.As(err, &classified))
	require.Equal(t, ClassGenericFailure, classified.Class)
}

func TestExtractHeadline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/extract-headline", r.URL.Path)
		var req headlineRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "https://cdn.example.com/cover.jpg", req.ImageURL)
		require.NoError(t, json.NewEncoder(w).Encode(headlineResponse{Success: true, Headline: "5 Woodworking Tricks"}))
	}))
	defer srv.Close()

	client := New(Config{PostsURL: srv.URL}, testClock(), zap.NewNop())
	headline, err := client.ExtractHeadline(context.Background(), "https://cdn.example.com/cover.jpg")
	require.NoError(t, err)
	require.Equal(t, "5 Woodworking Tricks", headline)
}

func TestInferType(t *testing.T) {
	t.Parallel()

	require.Equal(t, harvest.ContentTypeReel, inferType(rawPost{Type: "reel"}))
	require.Equal(t, harvest.ContentTypeCarousel, inferType(rawPost{Type: "CAROUSEL"}))
	require.Equal(t, harvest.ContentTypeReel, inferType(rawPost{IsVideo: true}))
	require.Equal(t, harvest.ContentTypeReel, inferType(rawPost{VideoURL: "https://cdn.example.com/v.mp4"}))
	require.Equal(t, harvest.ContentTypeCarousel, inferType(rawPost{ChildPosts: 3}))
	require.Equal(t, harvest.ContentTypeImage, inferType(rawPost{}))
}
