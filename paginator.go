package restpipe

// pageToken identifies the next page to request: a 1-based page number for the
// page-number strategy, or an opaque link for the next-link strategy.
type pageToken struct {
	page int
	link string
}

// pageMeta is the pagination metadata parsed out of one page's response body,
// together with the number of records the page carried.
type pageMeta struct {
	records    int
	totalPages int
	hasTotal   bool
	nextLink   string
	hasNext    bool
}

// paginator decides, from the latest page's metadata, whether another page
// exists and which token to request next. One instance per resource run;
// paginators hold no cross-resource state.
//
// An empty page always stops pagination, even when the response metadata
// still claims more pages exist.
type paginator interface {
	first() pageToken
	next(last pageToken, meta pageMeta) (pageToken, bool)
}

func newPaginator(strategy Pagination) paginator {
	if strategy == PaginateNextLink {
		return nextLinkPaginator{}
	}
	return pageNumberPaginator{}
}

// pageNumberPaginator walks page 1, 2, 3, ... until the declared total-page
// count is exceeded or a page comes back empty.
type pageNumberPaginator struct{}

func (pageNumberPaginator) first() pageToken { return pageToken{page: 1} }

func (pageNumberPaginator) next(last pageToken, meta pageMeta) (pageToken, bool) {
	if meta.records == 0 {
		return pageToken{}, false
	}
	if meta.hasTotal && last.page >= meta.totalPages {
		return pageToken{}, false
	}
	return pageToken{page: last.page + 1}, true
}

// nextLinkPaginator follows the next-page link embedded in each response until
// it is absent, null, or empty.
type nextLinkPaginator struct{}

func (nextLinkPaginator) first() pageToken { return pageToken{page: 1} }

func (nextLinkPaginator) next(last pageToken, meta pageMeta) (pageToken, bool) {
	if meta.records == 0 {
		return pageToken{}, false
	}
	if !meta.hasNext || meta.nextLink == "" {
		return pageToken{}, false
	}
	return pageToken{page: last.page + 1, link: meta.nextLink}, true
}
