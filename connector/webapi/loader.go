// Package webapi implements the connector.Loader for OAuth-gated web APIs
// that expose paged JSON collection endpoints.
package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
)

const defaultPageSize = 100

// Options configures a web API loader.
type Options struct {
	// OAuth is the authorization-code flow configuration for the source.
	OAuth oauth2.Config
	// BaseURL is the API root; resources are fetched from BaseURL/{name}.
	BaseURL string
	// Resources are the collections to sync, in order.
	Resources []connector.ResourceDescriptor
	// PageSize bounds records per request (default 100).
	PageSize int
	// RequestsPerMinute paces fetches against the remote API (0 = unpaced).
	RequestsPerMinute int
	// HTTPClient overrides the transport (tests); nil uses a 30s-timeout client.
	HTTPClient *http.Client
}

// Loader fetches records from an OAuth-gated web API.
type Loader struct {
	opts    Options
	creds   connector.Credentials
	client  *http.Client
	limiter *rate.Limiter
}

// New builds a Loader bound to the given credentials.
func New(opts Options, creds connector.Credentials) (*Loader, error) {
	if opts.BaseURL == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "web API loader requires a base URL")
	}
	if len(opts.Resources) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "web API loader requires at least one resource")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}

	return &Loader{
		opts:    opts,
		creds:   creds,
		client:  client,
		limiter: limiter,
	}, nil
}

// Factory returns a connector.LoaderFactory for these options.
func Factory(opts Options) connector.LoaderFactory {
	return func(creds connector.Credentials) (connector.Loader, error) {
		return New(opts, creds)
	}
}

// Authenticate verifies held credentials, or returns the consent URL the
// user must visit when none are held yet.
func (l *Loader) Authenticate(ctx context.Context) (*connector.AuthResult, error) {
	if l.creds.AccessToken != "" {
		return &connector.AuthResult{
			Connected: true,
			Message:   "already connected",
		}, nil
	}

	authURL := l.opts.OAuth.AuthCodeURL("datanav", oauth2.AccessTypeOffline)
	return &connector.AuthResult{
		Connected: false,
		AuthURL:   authURL,
		Message:   "visit the authorization URL to grant access",
	}, nil
}

// ContinueToAuthenticate exchanges an authorization code for tokens.
func (l *Loader) ContinueToAuthenticate(ctx context.Context, code string) (*connector.AuthResult, error) {
	token, err := l.opts.OAuth.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "failed to exchange authorization code")
	}

	l.creds.AccessToken = token.AccessToken
	l.creds.RefreshToken = token.RefreshToken

	return &connector.AuthResult{
		Connected:    true,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Message:      "connected",
	}, nil
}

// collectionResponse is the wire shape of a paged collection endpoint.
type collectionResponse struct {
	Data    []map[string]any `json:"data"`
	HasMore bool             `json:"has_more"`
}

// Fetch pulls one page from the current resource, advancing through the
// configured resources in order. The cursor tracks resource index, offset,
// and the incremental updated-since watermark for the following sync.
func (l *Loader) Fetch(ctx context.Context, cursor connector.Cursor) (*connector.Page, error) {
	if l.creds.AccessToken == "" {
		return nil, errors.Wrap(errors.ErrNotConnected, "web API loader has no access token")
	}

	resourceIdx := connector.CursorInt(cursor, "resource_index")
	offset := connector.CursorInt(cursor, "offset")
	since := connector.CursorString(cursor, "since")

	// The next sync's watermark is the moment this cycle started, not when
	// it finished: records updated mid-sync after their page was fetched
	// must land after the watermark so the next run picks them up.
	nextSince := connector.CursorString(cursor, "next_since")
	if nextSince == "" {
		nextSince = time.Now().UTC().Format(time.RFC3339)
	}

	if resourceIdx >= len(l.opts.Resources) {
		return &connector.Page{HasMore: false, Cursor: connector.CloneCursor(cursor)}, nil
	}
	resource := l.opts.Resources[resourceIdx]

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "fetch pacing interrupted")
		}
	}

	resp, err := l.fetchPage(ctx, resource.Name, offset, since)
	if err != nil {
		return nil, err
	}

	records := make([]connector.Record, 0, len(resp.Data))
	for _, fields := range resp.Data {
		id, err := connector.RecordID(fields, resource.IDColumn)
		if err != nil {
			return nil, errors.Wrapf(err, "resource %s", resource.Name)
		}
		records = append(records, connector.Record{
			Resource: resource.Name,
			ID:       id,
			Fields:   fields,
		})
	}

	next := connector.Cursor{
		"resource_index": resourceIdx,
		"offset":         offset + len(resp.Data),
		"next_since":     nextSince,
	}
	if since != "" {
		next["since"] = since
	}

	hasMore := true
	if !resp.HasMore {
		// Resource exhausted: move to the next one, or finish the sync
		// and promote the start-of-cycle watermark for the next run.
		next["resource_index"] = resourceIdx + 1
		next["offset"] = 0
		if resourceIdx+1 >= len(l.opts.Resources) {
			hasMore = false
			next = connector.Cursor{
				"resource_index": 0,
				"offset":         0,
				"since":          nextSince,
			}
		}
	}

	return &connector.Page{
		Records: records,
		Cursor:  next,
		HasMore: hasMore,
	}, nil
}

// fetchPage requests one page of a resource collection.
func (l *Loader) fetchPage(ctx context.Context, resource string, offset int, since string) (*collectionResponse, error) {
	pageSize := l.opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	endpoint := fmt.Sprintf("%s/%s", l.opts.BaseURL, url.PathEscape(resource))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %s", resource)
	}

	q := req.URL.Query()
	q.Set("offset", fmt.Sprintf("%d", offset))
	q.Set("limit", fmt.Sprintf("%d", pageSize))
	if since != "" {
		q.Set("updated_since", since)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+l.creds.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", resource)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errors.Wrapf(errors.ErrNotConnected, "fetch %s returned HTTP %d", resource, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf("fetch %s returned HTTP %d: %s", resource, resp.StatusCode, string(body))
	}

	var out collectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s response", resource)
	}
	return &out, nil
}
