package models

// Hit is one ranked item in a search or explore result.
type Hit struct {
	Item       *Item   `json:"item"`
	Similarity float64 `json:"similarity"`
	Distance   int     `json:"distance"`
	Rank       int     `json:"rank"`
}

// SearchResponse is the response for a search request. Hits are ordered by
// descending similarity, ties by ascending item id.
type SearchResponse struct {
	Hits      []*Hit     `json:"hits"`
	Total     int        `json:"total"`
	Mode      SearchMode `json:"mode"`
	QueryTime int64      `json:"query_time_ms"`
	Query     string     `json:"query"`
}

// ExploreResponse lists the nearest neighbors of an item.
type ExploreResponse struct {
	ItemID string `json:"item_id"`
	Hits   []*Hit `json:"hits"`
	// Source is "graph" when served from materialized edges, "live" when from a kNN scan.
	Source string `json:"source"`
}

// ItemList is a page of items.
type ItemList struct {
	Items  []*Item `json:"items"`
	Total  int     `json:"total"`
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
}

// TagCount is a tag and the number of items carrying it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Edge is an undirected similarity edge. A < B.
type Edge struct {
	A          string  `json:"a"`
	B          string  `json:"b"`
	Similarity float64 `json:"similarity"`
}

// GraphView is the materialized similarity graph.
type GraphView struct {
	Nodes     []string `json:"nodes"`
	Edges     []Edge   `json:"edges"`
	Threshold float64  `json:"threshold"`
}

// ProcessResult is the outcome of one embedding pipeline run.
type ProcessResult struct {
	ItemID  string `json:"item_id"`
	Status  Status `json:"status"`
	Skipped bool   `json:"skipped,omitempty"`
}
