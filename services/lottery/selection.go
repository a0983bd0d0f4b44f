package lottery

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
)

// Pick is one winner produced by a draw.
type Pick struct {
	Address        string
	AmountLamports int64
	Rank           int
}

// Strategy selects winners for a closed round. Implementations must be pure
// functions of the round's persisted entries: closing is retryable, so
// running the draw twice over the same entries has to yield the same picks.
type Strategy interface {
	Draw(round *Round, entries []*Entry) []Pick
}

// Prize split in basis points by rank; the remainder is the platform fee.
var prizeSplitBps = []int64{5000, 2000, 1500}

// SeededDraw derives a deterministic random draw from the round identity and
// its entry set. No external randomness source is involved, which keeps the
// outcome auditable from persisted state alone.
type SeededDraw struct{}

func (SeededDraw) Draw(round *Round, entries []*Entry) []Pick {
	if len(entries) == 0 {
		return nil
	}

	ordered := make([]*Entry, len(entries))
	copy(ordered, entries)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d", round.ID, round.Number)
	for _, e := range ordered {
		fmt.Fprintf(h, "|%s", e.ID)
	}
	seed := int64(binary.BigEndian.Uint64(h.Sum(nil)[:8]))
	rng := rand.New(rand.NewSource(seed))

	perm := rng.Perm(len(ordered))
	pool := round.PoolLamports + round.BonusLamports

	ranks := len(prizeSplitBps)
	if len(ordered) < ranks {
		ranks = len(ordered)
	}

	picks := make([]Pick, 0, ranks)
	for i := 0; i < ranks; i++ {
		picks = append(picks, Pick{
			Address:        ordered[perm[i]].Payer,
			AmountLamports: pool * prizeSplitBps[i] / 10000,
			Rank:           i + 1,
		})
	}
	return picks
}
