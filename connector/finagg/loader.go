// Package finagg implements the connector.Loader for financial aggregator
// APIs that authenticate with a static token header and page with opaque
// continuation tokens.
package finagg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
)

const defaultPageSize = 200

// Options configures a financial aggregator loader.
type Options struct {
	// BaseURL is the API root; resources are fetched from BaseURL/{name}.
	BaseURL string
	// TokenHeader is the header carrying the access token. Defaults to
	// "Authorization" with a "Bearer " prefix when empty.
	TokenHeader string
	// Resources are the collections to sync, in order.
	Resources []connector.ResourceDescriptor
	// PageSize is the page size requested per fetch.
	PageSize int
	// RequestsPerMinute caps outbound request rate. Zero disables limiting.
	RequestsPerMinute int
	// HTTPClient overrides the client used for API calls.
	HTTPClient *http.Client
}

// Loader pulls records from an aggregator API. Each resource pages with an
// opaque next_cursor token returned by the source; position within the
// resource list and the per-resource token live in the sync cursor.
type Loader struct {
	opts    Options
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// New builds a loader with the supplied credentials. The access token is
// held verbatim and attached to every request.
func New(opts Options, creds connector.Credentials) (*Loader, error) {
	if opts.BaseURL == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "finagg loader requires a base URL")
	}
	if len(opts.Resources) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "finagg loader requires at least one resource")
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
		token:   creds.AccessToken,
		client:  client,
		limiter: limiter,
	}, nil
}

// Factory returns a connector.LoaderFactory closing over opts.
func Factory(opts Options) connector.LoaderFactory {
	return func(creds connector.Credentials) (connector.Loader, error) {
		return New(opts, creds)
	}
}

// Authenticate verifies the held token against the source. Aggregator
// tokens are provisioned out of band, so there is no URL to hand back;
// a missing token is reported as a message for the operator.
func (l *Loader) Authenticate(ctx context.Context) (*connector.AuthResult, error) {
	if l.token == "" {
		return &connector.AuthResult{
			Connected: false,
			Message:   "no access token configured; provision one with the aggregator and submit it via consent",
		}, nil
	}
	if err := l.ping(ctx); err != nil {
		if errors.Is(err, errors.ErrNotConnected) {
			return &connector.AuthResult{Connected: false, Message: "access token was rejected by the source"}, nil
		}
		return nil, err
	}
	return &connector.AuthResult{
		Connected:   true,
		AccessToken: l.token,
	}, nil
}

// ContinueToAuthenticate accepts a token delivered out of band and
// verifies it before reporting the connection live.
func (l *Loader) ContinueToAuthenticate(ctx context.Context, state string) (*connector.AuthResult, error) {
	if state == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "empty access token")
	}
	l.token = state
	if err := l.ping(ctx); err != nil {
		if errors.Is(err, errors.ErrNotConnected) {
			return &connector.AuthResult{Connected: false, Message: "access token was rejected by the source"}, nil
		}
		return nil, err
	}
	return &connector.AuthResult{
		Connected:   true,
		AccessToken: l.token,
	}, nil
}

// Fetch returns the next page. The cursor tracks which resource is in
// flight and the opaque continuation token the source handed back.
func (l *Loader) Fetch(ctx context.Context, cursor connector.Cursor) (*connector.Page, error) {
	if l.token == "" {
		return nil, errors.Wrap(errors.ErrNotConnected, "finagg loader has no access token")
	}
	resourceIdx := connector.CursorInt(cursor, "resource_index")
	nextToken := connector.CursorString(cursor, "next_cursor")
	if resourceIdx >= len(l.opts.Resources) {
		resourceIdx, nextToken = 0, ""
	}
	resource := l.opts.Resources[resourceIdx]

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limit wait interrupted")
		}
	}

	resp, err := l.fetchPage(ctx, resource.Name, nextToken)
	if err != nil {
		return nil, err
	}

	records := make([]connector.Record, 0, len(resp.Data))
	for _, fields := range resp.Data {
		id, err := connector.RecordID(fields, resource.IDColumn)
		if err != nil {
			return nil, errors.Wrapf(err, "bad record in %s", resource.Name)
		}
		records = append(records, connector.Record{
			Resource: resource.Name,
			ID:       id,
			Fields:   fields,
		})
	}

	if resp.NextCursor != "" {
		// Same resource, next token.
		return &connector.Page{
			Records: records,
			Cursor: connector.Cursor{
				"resource_index": resourceIdx,
				"next_cursor":    resp.NextCursor,
			},
			HasMore: true,
		}, nil
	}
	if resourceIdx+1 < len(l.opts.Resources) {
		return &connector.Page{
			Records: records,
			Cursor: connector.Cursor{
				"resource_index": resourceIdx + 1,
			},
			HasMore: true,
		}, nil
	}
	// All resources drained; reset so the next sync starts over.
	return &connector.Page{
		Records: records,
		Cursor:  connector.Cursor{"resource_index": 0},
		HasMore: false,
	}, nil
}

// ping issues a minimal request against the first resource to validate
// the token.
func (l *Loader) ping(ctx context.Context) error {
	resource := l.opts.Resources[0].Name
	endpoint := fmt.Sprintf("%s/%s", l.opts.BaseURL, url.PathEscape(resource))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build ping request")
	}
	l.setAuth(req)
	q := req.URL.Query()
	q.Set("count", "1")
	req.URL.RawQuery = q.Encode()

	resp, err := l.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to ping source")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Wrapf(errors.ErrNotConnected, "ping returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("ping returned HTTP %d", resp.StatusCode)
	}
	return nil
}

type collectionResponse struct {
	Data       []map[string]any `json:"data"`
	NextCursor string           `json:"next_cursor"`
}

func (l *Loader) fetchPage(ctx context.Context, resource, nextToken string) (*collectionResponse, error) {
	endpoint := fmt.Sprintf("%s/%s", l.opts.BaseURL, url.PathEscape(resource))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %s", resource)
	}
	l.setAuth(req)

	pageSize := l.opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	q := req.URL.Query()
	q.Set("count", fmt.Sprintf("%d", pageSize))
	if nextToken != "" {
		q.Set("cursor", nextToken)
	}
	req.URL.RawQuery = q.Encode()

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

func (l *Loader) setAuth(req *http.Request) {
	if l.opts.TokenHeader != "" {
		req.Header.Set(l.opts.TokenHeader, l.token)
		return
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
}
