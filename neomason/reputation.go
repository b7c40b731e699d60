package neomason

import (
	"context"
)

// Ledger awards and reports 'based' points
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Award gives target one point in the guild, returning their new
// score. Users can't award themselves, and storage isn't touched if
// the award is rejected.
func (l *Ledger) Award(
	ctx context.Context,
	guildID, granterID, targetID string,
) (int64, error) {
	switch {
	case targetID == "":
		return 0, ErrNoTarget
	case targetID == granterID:
		return 0, ErrSelfAward
	}
	return l.store.AwardPoint(ctx, guildID, targetID)
}

// Leaderboard returns the guild's scores, highest first
func (l *Ledger) Leaderboard(
	ctx context.Context,
	guildID string,
) ([]ReputationEntry, error) {
	return l.store.ListScores(ctx, guildID)
}
