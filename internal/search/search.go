package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultAudit    ResultType = "audit"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	Stage      int        `json:"stage"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterDocumentID string
	Limit            int
	Offset           int
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

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexAuditEvent(e AuditEventRecord) error
	DeleteDocument(id string) error
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Stage int    `json:"stage"`
	Owner string `json:"owner"`
}

// AuditEventRecord is the data we index for an audit trail entry.
type AuditEventRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	ActorName  string `json:"actorName"`
	ActorEmail string `json:"actorEmail"`
	ActionType int    `json:"actionType"`
	Stage      int    `json:"stage"`
	Text       string `json:"text"`
	Reason     string `json:"reason"`
}
