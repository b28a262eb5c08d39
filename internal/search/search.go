package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Snippet  string  `json:"snippet"`
	OwnerID  string  `json:"ownerId"`
	FolderID *string `json:"folderId,omitempty"`
	Shared   bool    `json:"shared"`
}

// Query describes a search request. UserID scopes results to notes the user
// owns or has a share on; it is never empty for authenticated searches.
type Query struct {
	Text     string
	UserID   string
	FolderID string // empty = all folders
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

// Indexer can push notes into a search index.
type Indexer interface {
	IndexNote(n NoteRecord) error
	DeleteNote(id string) error
}

// NoteRecord is the data we index for a note. SharedWith carries the ids of
// users the note is shared with so the index can enforce access on its own.
type NoteRecord struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	OwnerID    string   `json:"ownerId"`
	FolderID   string   `json:"folderId,omitempty"`
	SharedWith []string `json:"sharedWith"`
}
