package matcher

import (
	"sort"

	"ledger-reconciler/internal/models"
)

// TieIndex groups ledger transactions by match key, keeping query order
// inside each group, and tracks the next-candidate offset per key.
// One index serves exactly one run.
type TieIndex struct {
	candidates map[models.MatchKey][]*models.LedgerTransaction
	offsets    map[models.MatchKey]int
	size       int
}

// Tie describes a key shared by more than one ledger transaction.
type Tie struct {
	Key        models.MatchKey
	Candidates int
	Claimed    int
}

// NewTieIndex indexes txs in the given order. The index keeps pointers into
// txs so cleared flags set during the run stay visible to the caller.
func NewTieIndex(txs []models.LedgerTransaction, excludeCleared bool) *TieIndex {
	index := &TieIndex{
		candidates: make(map[models.MatchKey][]*models.LedgerTransaction),
		offsets:    make(map[models.MatchKey]int),
	}
	for i := range txs {
		if excludeCleared && txs[i].Cleared {
			continue
		}
		key := txs[i].Key()
		index.candidates[key] = append(index.candidates[key], &txs[i])
		index.size++
	}
	return index
}

// Next returns the candidate at the key's current offset and advances the
// offset. The offset advances even when no candidate is left.
func (ti *TieIndex) Next(key models.MatchKey) (*models.LedgerTransaction, bool) {
	offset := ti.offsets[key]
	ti.offsets[key] = offset + 1

	group := ti.candidates[key]
	if offset >= len(group) {
		return nil, false
	}
	return group[offset], true
}

// Candidates returns the number of ledger transactions sharing key.
func (ti *TieIndex) Candidates(key models.MatchKey) int {
	return len(ti.candidates[key])
}

// Offset returns the current offset for key; zero when never looked up.
func (ti *TieIndex) Offset(key models.MatchKey) int {
	return ti.offsets[key]
}

// Looked reports whether key has been looked up in this run.
func (ti *TieIndex) Looked(key models.MatchKey) bool {
	_, ok := ti.offsets[key]
	return ok
}

// Offsets returns a copy of the offset map.
func (ti *TieIndex) Offsets() map[models.MatchKey]int {
	out := make(map[models.MatchKey]int, len(ti.offsets))
	for k, v := range ti.offsets {
		out[k] = v
	}
	return out
}

// Size returns the number of indexed candidates.
func (ti *TieIndex) Size() int {
	return ti.size
}

// Ties lists the keys with more than one candidate, ordered by date, account
// and amount.
func (ti *TieIndex) Ties() []Tie {
	var ties []Tie
	for key, group := range ti.candidates {
		if len(group) < 2 {
			continue
		}
		claimed := ti.offsets[key]
		if claimed > len(group) {
			claimed = len(group)
		}
		ties = append(ties, Tie{Key: key, Candidates: len(group), Claimed: claimed})
	}
	sort.Slice(ties, func(i, j int) bool {
		a, b := ties[i].Key, ties[j].Key
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		return a.Amount < b.Amount
	})
	return ties
}
