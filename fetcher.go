package restpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/time/rate"
)

// fetcher issues one HTTP GET per logical page and parses the response into
// records plus pagination metadata. It holds no per-resource state and is safe
// for concurrent use by multiple resource extractors.
type fetcher struct {
	client  *http.Client
	baseURL string
	headers map[string]string
	limiter *rate.Limiter // nil means unthrottled
}

// fetchPage requests one page of the resource. lower is the incremental lower
// bound to send as the resource's cursor parameter, if both are configured.
//
// Classification: network failures and HTTP 5xx/429 responses are transient;
// any other non-2xx status and malformed bodies are fatal.
func (f *fetcher) fetchPage(ctx context.Context, res Resource, tok pageToken, lower string, hasLower bool) ([]Record, pageMeta, error) {
	u, err := f.pageURL(res, tok, lower, hasLower)
	if err != nil {
		return nil, pageMeta{}, &FetchError{Resource: res.Name, URL: u, Err: err}
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, pageMeta{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, pageMeta{}, &FetchError{Resource: res.Name, URL: u, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pageMeta{}, ctx.Err()
		}
		return nil, pageMeta{}, &FetchError{Resource: res.Name, URL: u, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pageMeta{}, &FetchError{Resource: res.Name, URL: u, StatusCode: resp.StatusCode, Transient: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, pageMeta{}, &FetchError{
			Resource:   res.Name,
			URL:        u,
			StatusCode: resp.StatusCode,
			Transient:  transient,
			Err:        fmt.Errorf("%s", http.StatusText(resp.StatusCode)),
		}
	}

	records, meta, err := parsePage(res, body)
	if err != nil {
		return nil, pageMeta{}, &FetchError{Resource: res.Name, URL: u, StatusCode: resp.StatusCode, Err: err}
	}
	return records, meta, nil
}

// pageURL builds the request URL for a page token. Next-link tokens are used
// as-is when absolute, or resolved against the base URL when relative.
func (f *fetcher) pageURL(res Resource, tok pageToken, lower string, hasLower bool) (string, error) {
	if tok.link != "" {
		link, err := url.Parse(tok.link)
		if err != nil {
			return tok.link, fmt.Errorf("invalid next link: %w", err)
		}
		if link.IsAbs() {
			return tok.link, nil
		}
		base, err := url.Parse(f.baseURL)
		if err != nil {
			return tok.link, fmt.Errorf("invalid base URL: %w", err)
		}
		return base.ResolveReference(link).String(), nil
	}

	u, err := url.Parse(f.baseURL + res.Path)
	if err != nil {
		return f.baseURL + res.Path, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	q := u.Query()
	for k, v := range res.Params {
		q.Set(k, v)
	}
	if res.PageSize > 0 {
		q.Set(res.pageSizeParam(), strconv.Itoa(res.PageSize))
	}
	if res.pagination() == PaginatePageNumber {
		q.Set(res.pageParam(), strconv.Itoa(tok.page))
	}
	if hasLower && res.CursorParam != "" {
		q.Set(res.CursorParam, lower)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parsePage decodes a response body into records and pagination metadata.
// The records array lives under the resource's data field path, or at the top
// level when the data field is "-".
func parsePage(res Resource, body []byte) ([]Record, pageMeta, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, pageMeta{}, fmt.Errorf("malformed response body: %w", err)
	}

	raw, ok := lookupPath(doc, res.dataField())
	if !ok {
		return nil, pageMeta{}, fmt.Errorf("response has no %q field", res.dataField())
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, pageMeta{}, fmt.Errorf("field %q is not an array", res.dataField())
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, pageMeta{}, fmt.Errorf("record %d is not an object", i)
		}
		records = append(records, Record(obj))
	}

	meta := pageMeta{records: len(records)}
	if v, ok := lookupPath(doc, res.totalPagesField()); ok {
		if n, ok := v.(float64); ok {
			meta.totalPages = int(n)
			meta.hasTotal = true
		}
	}
	if v, ok := lookupPath(doc, res.nextLinkField()); ok {
		if s, ok := v.(string); ok && s != "" {
			meta.nextLink = s
			meta.hasNext = true
		}
	}
	return records, meta, nil
}
