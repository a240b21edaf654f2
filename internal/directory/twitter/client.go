// Package twitter implements directory.Client against the v1.1 REST API
// using per-account OAuth1 user context.
package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"golang.org/x/time/rate"

	"followback/internal/directory"
	logx "followback/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.twitter.com/1.1/"

	// Used when a 429 arrives without a reset header.
	defaultRateLimitWindow = 15 * time.Minute
	maxErrorBody           = 64 << 10
)

// API error codes with scheduling meaning.
const (
	codeInvalidToken      = 89
	codeRateLimitExceeded = 88
	codeBadAuth           = 32
)

// Config configures the client. ConsumerKey and ConsumerSecret identify the
// application; per-account tokens are passed with each call.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Timeout        time.Duration
	// RatePerSec paces outgoing requests across all accounts. Zero disables
	// client-side pacing.
	RatePerSec float64
	Burst      int
	UserAgent  string
	// Transport is the base round tripper below the OAuth signer. nil uses
	// http.DefaultTransport.
	Transport http.RoundTripper
}

type Client struct {
	base    *url.URL
	oauth   *oauth1.Config
	http    *http.Client
	limiter *rate.Limiter
	ua      string
	log     logx.Logger
	now     func() time.Time
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ConsumerKey) == "" || strings.TrimSpace(cfg.ConsumerSecret) == "" {
		return nil, errors.New("twitter: consumer key and secret are required")
	}
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("twitter: base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tr := cfg.Transport
	if tr == nil {
		tr = http.DefaultTransport
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "followback"
	}
	return &Client{
		base:    base,
		oauth:   oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret),
		http:    &http.Client{Timeout: timeout, Transport: tr},
		limiter: lim,
		ua:      ua,
		log:     log.With(logx.String("comp", "directory.twitter")),
		now:     time.Now,
	}, nil
}

type idsResponse struct {
	IDs        []int64 `json:"ids"`
	NextCursor int64   `json:"next_cursor"`
}

func (c *Client) ListIDs(ctx context.Context, acct directory.Account, kind directory.ResourceKind, cursor directory.Cursor) (directory.Page, error) {
	var path string
	switch kind {
	case directory.Followers:
		path = "followers/ids.json"
	case directory.Friends:
		path = "friends/ids.json"
	default:
		return directory.Page{}, &directory.RemoteError{Op: "ids", Detail: "unknown resource kind " + kind.String()}
	}
	q := url.Values{}
	q.Set("user_id", acct.ID.String())
	q.Set("cursor", strconv.FormatInt(int64(cursor), 10))
	q.Set("count", strconv.Itoa(directory.PageSize))

	var resp idsResponse
	if err := c.do(ctx, acct.Credential, http.MethodGet, path, q, &resp); err != nil {
		return directory.Page{}, err
	}
	page := directory.Page{IDs: make([]directory.UserID, len(resp.IDs)), Next: directory.Cursor(resp.NextCursor)}
	for i, id := range resp.IDs {
		page.IDs[i] = directory.UserID(id)
	}
	return page, nil
}

type lookupEntry struct {
	ID          int64    `json:"id"`
	Connections []string `json:"connections"`
}

func (c *Client) LookupRelationships(ctx context.Context, cred directory.Credential, ids []directory.UserID) ([]directory.Relation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > directory.LookupLimit {
		return nil, &directory.RemoteError{Op: "friendships/lookup", Detail: fmt.Sprintf("%d ids exceeds limit %d", len(ids), directory.LookupLimit)}
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	q := url.Values{}
	q.Set("user_id", strings.Join(parts, ","))

	var resp []lookupEntry
	if err := c.do(ctx, cred, http.MethodGet, "friendships/lookup.json", q, &resp); err != nil {
		return nil, err
	}
	out := make([]directory.Relation, 0, len(resp))
	for _, e := range resp {
		out = append(out, relationFromConnections(directory.UserID(e.ID), e.Connections))
	}
	return out, nil
}

func relationFromConnections(id directory.UserID, conns []string) directory.Relation {
	rel := directory.Relation{ID: id}
	for _, c := range conns {
		switch c {
		case "followed_by", "following_received":
			rel.FollowedBy = true
		case "following", "following_requested":
			rel.Following = true
		}
	}
	return rel
}

func (c *Client) Follow(ctx context.Context, cred directory.Credential, id directory.UserID) error {
	q := url.Values{}
	q.Set("user_id", id.String())
	q.Set("follow", "false")
	return c.do(ctx, cred, http.MethodPost, "friendships/create.json", q, nil)
}

type identityResponse struct {
	ID         int64  `json:"id"`
	ScreenName string `json:"screen_name"`
}

func (c *Client) VerifyCredential(ctx context.Context, cred directory.Credential) (directory.Identity, error) {
	if !cred.Valid() {
		return directory.Identity{}, fmt.Errorf("account/verify_credentials: %w", directory.ErrCredentialInvalid)
	}
	q := url.Values{}
	q.Set("skip_status", "true")
	q.Set("include_entities", "false")

	var resp identityResponse
	if err := c.do(ctx, cred, http.MethodGet, "account/verify_credentials.json", q, &resp); err != nil {
		return directory.Identity{}, err
	}
	return directory.Identity{ID: directory.UserID(resp.ID), ScreenName: resp.ScreenName}, nil
}

func (c *Client) do(ctx context.Context, cred directory.Credential, method, path string, q url.Values, out any) error {
	op := strings.TrimSuffix(path, ".json")
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.base.ResolveReference(&url.URL{Path: path})
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(q.Encode())
	} else {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return &directory.RemoteError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", c.ua)

	hc := c.oauth.Client(context.WithValue(ctx, oauth1.HTTPClient, c.http), oauth1.NewToken(cred.Token, cred.Secret))
	hc.Timeout = c.http.Timeout
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &directory.RemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return c.statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &directory.RemoteError{Op: op, Status: resp.StatusCode, Detail: "decode response", Err: err}
	}
	return nil
}

type apiErrors struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var ae apiErrors
	_ = json.Unmarshal(b, &ae)
	code, msg := 0, ""
	if len(ae.Errors) > 0 {
		code, msg = ae.Errors[0].Code, ae.Errors[0].Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || code == codeRateLimitExceeded:
		reset := c.resetFromHeader(resp.Header)
		c.log.Debug("rate limited", logx.String("op", op), logx.Time("reset", reset))
		return &directory.RateLimitedError{Op: op, Reset: reset}
	case resp.StatusCode == http.StatusUnauthorized || code == codeInvalidToken || code == codeBadAuth:
		return fmt.Errorf("%s: %s: %w", op, msg, directory.ErrCredentialInvalid)
	default:
		if msg == "" {
			msg = strings.TrimSpace(string(b))
			if len(msg) > 200 {
				msg = msg[:200]
			}
		}
		return &directory.RemoteError{Op: op, Status: resp.StatusCode, Code: code, Detail: msg}
	}
}

func (c *Client) resetFromHeader(h http.Header) time.Time {
	if v := strings.TrimSpace(h.Get("x-rate-limit-reset")); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
			return time.Unix(sec, 0)
		}
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
			return c.now().Add(time.Duration(sec) * time.Second)
		}
	}
	return c.now().Add(defaultRateLimitWindow)
}

var _ directory.Client = (*Client)(nil)
