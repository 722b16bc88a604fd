package search

import (
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
)

// NormalizeKeywordScores scales keyword scores to [0,1] by the best score.
func NormalizeKeywordScores(results []*keyword.KeywordResult) map[string]float64 {
	normalized := make(map[string]float64, len(results))
	if len(results) == 0 {
		return normalized
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.ID] = r.Score / maxScore
		} else {
			normalized[r.ID] = 0
		}
	}
	return normalized
}

// page returns hits[offset:offset+limit] with ranks assigned from offset+1.
func page(hits []*models.Hit, offset, limit int) []*models.Hit {
	start := min(offset, len(hits))
	end := min(start+limit, len(hits))
	out := hits[start:end]
	for i, h := range out {
		h.Rank = start + i + 1
	}
	return out
}
