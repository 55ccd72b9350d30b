// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const defaultTokenURL = "https://accounts.spotify.com/api/token"

// Config configures an HTTPClient against a Spotify-shaped Web API.
type Config struct {
	ClientID       string
	ClientSecret   string
	BaseURL        string
	RequestTimeout time.Duration
	// TokenRefreshSlack is how far ahead of the token's reported
	// expiry to force a refresh.
	TokenRefreshSlack time.Duration
	// TokenURL overrides the client-credentials token endpoint;
	// defaults to Spotify's accounts service. Tests point this at a
	// local httptest.Server.
	TokenURL string
}

// HTTPClient implements Client against the external catalog's REST
// API, managing its own client-credentials access token.
type HTTPClient struct {
	cfg  Config
	http *http.Client

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewHTTPClient builds an HTTPClient. The first token fetch happens
// lazily on the first call that needs authentication.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.TokenRefreshSlack <= 0 {
		cfg.TokenRefreshSlack = 60 * time.Second
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (c *HTTPClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("catalog: build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("catalog: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("catalog: token request returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("catalog: decode token response: %w", err)
	}

	c.accessToken = body.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - c.cfg.TokenRefreshSlack)
	return c.accessToken, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("catalog: build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 30 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog: %s returned %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("catalog: decode %s response: %w", path, err)
	}
	return nil
}

type apiImage struct {
	URL string `json:"url"`
}

type apiArtistRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiAlbumRef struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Images []apiImage `json:"images"`
}

type apiTrack struct {
	URI        string         `json:"uri"`
	Name       string         `json:"name"`
	DurationMS int            `json:"duration_ms"`
	Explicit   bool           `json:"explicit"`
	Artists    []apiArtistRef `json:"artists"`
	Album      apiAlbumRef    `json:"album"`
}

func (t apiTrack) toTrack() Track {
	out := Track{
		URI:      t.URI,
		Title:    t.Name,
		Duration: t.DurationMS / 1000,
		Explicit: t.Explicit,
	}
	if len(t.Artists) > 0 {
		out.ArtistID = t.Artists[0].ID
		out.Artist = t.Artists[0].Name
	}
	out.AlbumID = t.Album.ID
	out.Album = t.Album.Name
	if n := len(t.Album.Images); n > 0 {
		out.BigImage = t.Album.Images[0].URL
		out.Image = t.Album.Images[n-1].URL
	}
	return out
}

// Track implements Client.
func (c *HTTPClient) Track(ctx context.Context, id string) (*Track, error) {
	var raw apiTrack
	if err := c.get(ctx, "/v1/tracks/"+id, nil, &raw); err != nil {
		return nil, err
	}
	track := raw.toTrack()
	return &track, nil
}

// Artist implements Client.
func (c *HTTPClient) Artist(ctx context.Context, id string) (*Artist, error) {
	var raw struct {
		ID     string   `json:"id"`
		Name   string   `json:"name"`
		Genres []string `json:"genres"`
	}
	if err := c.get(ctx, "/v1/artists/"+id, nil, &raw); err != nil {
		return nil, err
	}
	return &Artist{ID: raw.ID, Name: raw.Name, Genres: raw.Genres}, nil
}

// AlbumTracks implements Client.
func (c *HTTPClient) AlbumTracks(ctx context.Context, albumID string) ([]Track, error) {
	var raw struct {
		Items []apiTrack `json:"items"`
	}
	if err := c.get(ctx, "/v1/albums/"+albumID+"/tracks", nil, &raw); err != nil {
		return nil, err
	}
	return toTracks(raw.Items), nil
}

// ArtistTopTracks implements Client.
func (c *HTTPClient) ArtistTopTracks(ctx context.Context, artistID, market string) ([]Track, error) {
	q := url.Values{}
	if market != "" {
		q.Set("market", market)
	}
	var raw struct {
		Tracks []apiTrack `json:"tracks"`
	}
	if err := c.get(ctx, "/v1/artists/"+artistID+"/top-tracks", q, &raw); err != nil {
		return nil, err
	}
	return toTracks(raw.Tracks), nil
}

// Search implements Client.
func (c *HTTPClient) Search(ctx context.Context, query string, typ SearchType, limit int, market string) ([]Track, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("type", string(typ))
	q.Set("limit", strconv.Itoa(limit))
	if market != "" {
		q.Set("market", market)
	}

	var raw struct {
		Tracks struct {
			Items []apiTrack `json:"items"`
		} `json:"tracks"`
	}
	if err := c.get(ctx, "/v1/search", q, &raw); err != nil {
		return nil, err
	}
	return toTracks(raw.Tracks.Items), nil
}

// Episode implements Client.
func (c *HTTPClient) Episode(ctx context.Context, id string) (*Episode, error) {
	var raw struct {
		URI        string     `json:"uri"`
		Name       string     `json:"name"`
		DurationMS int        `json:"duration_ms"`
		Images     []apiImage `json:"images"`
		Show       struct {
			Name string `json:"name"`
		} `json:"show"`
	}
	if err := c.get(ctx, "/v1/episodes/"+id, nil, &raw); err != nil {
		return nil, err
	}
	ep := &Episode{URI: raw.URI, Title: raw.Name, ShowName: raw.Show.Name, Duration: raw.DurationMS / 1000}
	if len(raw.Images) > 0 {
		ep.Image = raw.Images[0].URL
	}
	return ep, nil
}

func toTracks(raw []apiTrack) []Track {
	out := make([]Track, 0, len(raw))
	for _, t := range raw {
		out = append(out, t.toTrack())
	}
	return out
}
