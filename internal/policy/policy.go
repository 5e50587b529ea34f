// Package policy orders tokens for calling. It is a pure function of token
// snapshots and never reads the clock.
package policy

import (
	"sort"

	"clinic/visit-queue/internal/models"
)

type Rank struct {
	Bucket   int
	Tiebreak int64
}

// Before reports whether r is called ahead of other: higher bucket first,
// then lower token number.
func (r Rank) Before(other Rank) bool {
	if r.Bucket != other.Bucket {
		return r.Bucket > other.Bucket
	}
	return r.Tiebreak < other.Tiebreak
}

func RankOf(token models.Token) Rank {
	return Rank{Bucket: int(clamp(token.Priority)), Tiebreak: token.TokenNumber}
}

func clamp(p models.Priority) models.Priority {
	if p < models.PriorityNormal {
		return models.PriorityNormal
	}
	if p > models.PriorityUrgent {
		return models.PriorityUrgent
	}
	return p
}

func Less(a, b models.Token) bool {
	ra, rb := RankOf(a), RankOf(b)
	if ra == rb {
		return a.TokenID < b.TokenID
	}
	return ra.Before(rb)
}

// Sort orders tokens in place by rank.
func Sort(tokens []models.Token) {
	sort.SliceStable(tokens, func(i, j int) bool {
		return Less(tokens[i], tokens[j])
	})
}

// Next returns the highest ranked token accepted by eligible.
func Next(tokens []models.Token, eligible func(models.Token) bool) (models.Token, bool) {
	var best models.Token
	found := false
	for _, token := range tokens {
		if eligible != nil && !eligible(token) {
			continue
		}
		if !found || Less(token, best) {
			best = token
			found = true
		}
	}
	return best, found
}

// Callable is the call-next eligibility rule: status matches and the token is
// not flagged as delayed.
func Callable(status string) func(models.Token) bool {
	return func(token models.Token) bool {
		return token.Status == status && !token.Delayed()
	}
}
