package store

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"snipewatch/internal/auction"
	"snipewatch/internal/multisnipe"
)

// SaveAll writes every entry in book and returns how many were saved.
func SaveAll(ctx context.Context, repo Repository, book *auction.Book) (int, error) {
	var errs []error
	saved := 0
	for _, e := range book.All() {
		if err := repo.Save(ctx, e.Record()); err != nil {
			errs = append(errs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// LoadAll restores the stored auctions into book. Records that fail to
// decode are logged and skipped, as are records for auctions book already
// holds; those are never restored so they cannot join a group.
func LoadAll(ctx context.Context, repo Repository, srv auction.Server, groups *multisnipe.Registry, book *auction.Book) (int, error) {
	recs, err := repo.List(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, rec := range recs {
		if _, ok := book.Get(rec.ID); ok {
			log.Warn().Str("auction", rec.ID).Msg("duplicate stored auction")
			continue
		}
		e, err := auction.Restore(rec, srv, groups)
		if err != nil {
			log.Error().Err(err).Str("auction", rec.ID).Msg("skipping stored auction")
			continue
		}
		if !book.Add(e) {
			e.LeaveGroup()
			log.Warn().Str("auction", rec.ID).Msg("duplicate stored auction")
			continue
		}
		loaded++
	}
	return loaded, nil
}
