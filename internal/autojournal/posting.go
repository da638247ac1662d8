package autojournal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Rejection explains why an entry or voucher group was not posted.
type Rejection struct {
	EntryNumber string
	Reason      string
}

// PostResult reports the outcome of one posting invocation.
type PostResult struct {
	PostedCount    int
	VoucherNumbers []string
	Rejected       []Rejection
}

// Poster finalizes COMPLETED entries into immutable ledger vouchers.
type Poster struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewPoster constructs the posting service.
func NewPoster(store Store, logger *slog.Logger) *Poster {
	return &Poster{
		store:  store,
		logger: logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithNow overrides the clock for testing.
func (p *Poster) WithNow(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// PostByProcess posts every live entry created by a run. Superseded entries
// are out of play and skipped; ERROR stubs stay in so the caller sees the
// full disposition of the run in the rejections.
func (p *Poster) PostByProcess(ctx context.Context, processNumber string) (PostResult, error) {
	entries, err := p.store.ListEntriesByProcess(ctx, processNumber)
	if err != nil {
		return PostResult{}, err
	}
	live := entries[:0]
	for _, e := range entries {
		if e.SupersededBy == "" {
			live = append(live, e)
		}
	}
	return p.post(ctx, live)
}

// PostEntries posts the identified entries.
func (p *Poster) PostEntries(ctx context.Context, numbers []string) (PostResult, error) {
	entries := make([]Entry, 0, len(numbers))
	for _, number := range numbers {
		e, err := p.store.GetEntry(ctx, number)
		if err != nil {
			return PostResult{}, err
		}
		entries = append(entries, e)
	}
	return p.post(ctx, entries)
}

// post groups entries into vouchers per sales line unit and posts each
// balanced group. Entries that are not COMPLETED are rejected, never
// silently skipped; imbalanced groups stay COMPLETED.
func (p *Poster) post(ctx context.Context, entries []Entry) (PostResult, error) {
	result := PostResult{}
	groups := make(map[string][]Entry)
	var keys []string

	for _, e := range entries {
		if e.Status == StatusPosted {
			result.Rejected = append(result.Rejected, Rejection{
				EntryNumber: e.Number,
				Reason:      ErrAlreadyPosted.Error(),
			})
			continue
		}
		if e.Status != StatusCompleted {
			result.Rejected = append(result.Rejected, Rejection{
				EntryNumber: e.Number,
				Reason:      fmt.Sprintf("%v: status %s", ErrInvalidStatus, e.Status),
			})
			continue
		}
		key := fmt.Sprintf("%s-%d", e.SalesNumber, e.SalesLineNumber)
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], e)
	}
	sort.Strings(keys)

	postedDate := p.now()
	for _, key := range keys {
		group := groups[key]
		if err := VerifyBalance(group); err != nil {
			for _, e := range group {
				result.Rejected = append(result.Rejected, Rejection{
					EntryNumber: e.Number,
					Reason:      err.Error(),
				})
			}
			continue
		}
		voucher, err := p.store.MarkPosted(ctx, group, postedDate)
		if err != nil {
			var conflict *VersionConflictError
			if errors.As(err, &conflict) {
				for _, e := range group {
					result.Rejected = append(result.Rejected, Rejection{
						EntryNumber: e.Number,
						Reason:      conflict.Error(),
					})
				}
				continue
			}
			return result, err
		}
		result.PostedCount += len(group)
		result.VoucherNumbers = append(result.VoucherNumbers, voucher)
		p.log().Info("voucher posted",
			slog.String("voucher", voucher),
			slog.String("unit", key),
			slog.Int("entries", len(group)),
		)
	}
	return result, nil
}

func (p *Poster) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}
