package casefile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pericia/pkg/domain"
)

func seed(t *testing.T, repo *Repository) []domain.CaseRecord {
	t.Helper()
	ctx := context.Background()
	paid := domain.PaymentPaid
	inputs := []domain.CreateInput{
		{ProcessNumber: "0001/2024", ClaimantName: "Jane Doe", ScheduledDate: "2024-03-05", Fee: "300"},
		{ProcessNumber: "0002/2024", ClaimantName: "John Roe", ScheduledDate: "2024-03-20", Fee: "200,50", PaymentStatus: paid},
		{ProcessNumber: "0003/2024", ClaimantName: "Maria Silva", ScheduledDate: "2024-04-01", Fee: "100", PaymentStatus: paid},
		{ProcessNumber: "0004/2024", ClaimantName: "Jane Smith"},
	}
	var out []domain.CaseRecord
	for _, in := range inputs {
		rec, err := repo.Create(ctx, in)
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestFinancialTotalsOverEmptySetAreZero(t *testing.T) {
	repo, _ := newTestRepo(t)
	totals, err := repo.ComputeFinancialTotals(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Totals{}, totals)

	seed(t, repo)
	totals, err = repo.ComputeFinancialTotals(context.Background(), Filter{Query: "nobody"}.Match)
	require.NoError(t, err)
	assert.Equal(t, Totals{}, totals)
}

func TestFinancialTotals(t *testing.T) {
	repo, _ := newTestRepo(t)
	seed(t, repo)
	totals, err := repo.ComputeFinancialTotals(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(30050), totals.Paid)
	assert.Equal(t, domain.Amount(30000), totals.Pending)

	march, err := repo.ComputeFinancialTotals(context.Background(), Filter{From: "2024-03-01", To: "2024-03-31"}.Match)
	require.NoError(t, err)
	assert.Equal(t, Totals{Paid: 20050, Pending: 30000}, march)
}

func TestListFiltersAndOrder(t *testing.T) {
	repo, _ := newTestRepo(t)
	records := seed(t, repo)
	ctx := context.Background()

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, records[3].ID, all[0].ID, "newest first")

	jane, err := repo.List(ctx, Filter{Query: "jane"})
	require.NoError(t, err)
	assert.Len(t, jane, 2)

	byNumber, err := repo.List(ctx, Filter{Query: "0003"})
	require.NoError(t, err)
	require.Len(t, byNumber, 1)
	assert.Equal(t, "Maria Silva", byNumber[0].ClaimantName)

	waiting, err := repo.List(ctx, Filter{Status: domain.StatusAwaitingSchedule})
	require.NoError(t, err)
	assert.Len(t, waiting, 1)

	paid, err := repo.List(ctx, Filter{Payment: domain.PaymentPaid})
	require.NoError(t, err)
	assert.Len(t, paid, 2)

	_, err = repo.List(ctx, Filter{From: "March"})
	assert.True(t, domain.IsValidation(err))
}

func TestMonthlyRevenue(t *testing.T) {
	repo, _ := newTestRepo(t)
	seed(t, repo)
	months, err := repo.MonthlyRevenue(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, months, 3)
	assert.Equal(t, "2024-01", months[0].Month, "unscheduled records fall back to the creation month")
	assert.Equal(t, MonthTotal{Month: "2024-03", Totals: Totals{Paid: 20050, Pending: 30000}}, months[1])
	assert.Equal(t, "2024-04", months[2].Month)
}

func TestCalendar(t *testing.T) {
	repo, _ := newTestRepo(t)
	seed(t, repo)
	got, err := repo.Calendar(context.Background(), "2024-03-10", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2024-03-20", got[0].ScheduledDate)
	assert.Equal(t, "2024-04-01", got[1].ScheduledDate)

	_, err = repo.Calendar(context.Background(), "bad", "")
	assert.True(t, domain.IsValidation(err))
}
