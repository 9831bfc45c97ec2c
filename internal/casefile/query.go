package casefile

import (
	"context"
	"sort"
	"strings"

	"pericia/internal/core"
	"pericia/pkg/domain"
)

// Filter selects case records. Zero fields match everything. From and To
// bound the reference date inclusively.
type Filter struct {
	Query   string               `json:"query,omitempty"`
	Status  domain.CaseStatus    `json:"status,omitempty"`
	Payment domain.PaymentStatus `json:"payment_status,omitempty"`
	From    string               `json:"from,omitempty"`
	To      string               `json:"to,omitempty"`
}

// Match reports whether rec passes the filter. Query matches the process
// number or the claimant name, case-insensitively.
func (f Filter) Match(rec domain.CaseRecord) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Payment != "" && rec.PaymentStatus != f.Payment {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		if !strings.Contains(strings.ToLower(rec.ProcessNumber), q) &&
			!strings.Contains(strings.ToLower(rec.ClaimantName), q) {
			return false
		}
	}
	if f.From != "" || f.To != "" {
		date := rec.ReferenceDate()
		if date == "" {
			return false
		}
		if f.From != "" && date < f.From {
			return false
		}
		if f.To != "" && date > f.To {
			return false
		}
	}
	return true
}

// Validate checks that the date bounds are well formed.
func (f Filter) Validate() error {
	if _, err := domain.ParseDate("from", f.From); err != nil {
		return err
	}
	_, err := domain.ParseDate("to", f.To)
	return err
}

// Totals sums fees by payment status.
type Totals struct {
	Paid    domain.Amount `json:"paid_total"`
	Pending domain.Amount `json:"pending_total"`
}

func (t *Totals) add(rec domain.CaseRecord) {
	if rec.PaymentStatus == domain.PaymentPaid {
		t.Paid += rec.Fee
	} else {
		t.Pending += rec.Fee
	}
}

// MonthTotal is the fee total of one YYYY-MM month.
type MonthTotal struct {
	Month string `json:"month"`
	Totals
}

func (r *Repository) scan(ctx context.Context, match func(domain.CaseRecord) bool) ([]domain.CaseRecord, error) {
	var out []domain.CaseRecord
	err := r.store.View(ctx, func(rd domain.Reader) error {
		all, err := core.ListDocs[domain.CaseRecord](rd, domain.CollectionCases)
		if err != nil {
			return err
		}
		for _, rec := range all {
			if match == nil || match(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// List returns the matching records, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]domain.CaseRecord, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out, err := r.scan(ctx, f.Match)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ComputeFinancialTotals sums fees over the records accepted by match, or all
// records when match is nil. An empty selection yields zero totals.
func (r *Repository) ComputeFinancialTotals(ctx context.Context, match func(domain.CaseRecord) bool) (Totals, error) {
	var totals Totals
	records, err := r.scan(ctx, match)
	if err != nil {
		return Totals{}, err
	}
	for _, rec := range records {
		totals.add(rec)
	}
	return totals, nil
}

// MonthlyRevenue groups the fees of the matching records by month of their
// reference date, oldest month first.
func (r *Repository) MonthlyRevenue(ctx context.Context, f Filter) ([]MonthTotal, error) {
	records, err := r.List(ctx, f)
	if err != nil {
		return nil, err
	}
	byMonth := make(map[string]*Totals)
	for _, rec := range records {
		date := rec.ReferenceDate()
		if len(date) < 7 {
			continue
		}
		month := date[:7]
		if byMonth[month] == nil {
			byMonth[month] = &Totals{}
		}
		byMonth[month].add(rec)
	}
	out := make([]MonthTotal, 0, len(byMonth))
	for month, totals := range byMonth {
		out = append(out, MonthTotal{Month: month, Totals: *totals})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

// Calendar returns the records scheduled between from and to inclusive,
// ordered by date. Empty bounds are open.
func (r *Repository) Calendar(ctx context.Context, from, to string) ([]domain.CaseRecord, error) {
	f := Filter{From: from, To: to}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out, err := r.scan(ctx, func(rec domain.CaseRecord) bool {
		if rec.ScheduledDate == "" {
			return false
		}
		return (from == "" || rec.ScheduledDate >= from) && (to == "" || rec.ScheduledDate <= to)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScheduledDate != out[j].ScheduledDate {
			return out[i].ScheduledDate < out[j].ScheduledDate
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
