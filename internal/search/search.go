// Package search provides full-text search over documents, backed by
// Meilisearch with a PostgreSQL FTS fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Category string `json:"category,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Query describes a search request. Status narrows results to a single
// lifecycle state; callers serving unprivileged readers set it to
// "published".
type Query struct {
	Text     string
	Status   string
	Category string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID       string   `json:"id"`
	Slug     string   `json:"slug"`
	Title    string   `json:"title"`
	Excerpt  string   `json:"excerpt"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	AuthorID string   `json:"authorId"`
	Status   string   `json:"status"`
}
