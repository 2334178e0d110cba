package guard

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/stock"
)

type fakeHistory map[string]float64

func (f fakeHistory) AverageWithdrawal(_ context.Context, key string) (float64, bool, error) {
	avg, ok := f[key]
	return avg, ok, nil
}

func snapshotOf(levels ...stock.Level) *stock.Snapshot {
	for i := range levels {
		if levels[i].LowThreshold == 0 {
			levels[i].LowThreshold = 20
		}
		if levels[i].CriticalThreshold == 0 {
			levels[i].CriticalThreshold = 5
		}
	}
	return stock.NewSnapshot(levels, time.Now())
}

func TestCheckRequestReportsShortfall(t *testing.T) {
	t.Parallel()

	snap := snapshotOf(stock.Level{Key: "seringa_10ml", Name: "Seringa 10ml", Quantity: 3})
	report := CheckRequest([]domain.Item{{ProductKey: "seringa_10ml", ProductName: "Seringa 10ml", Quantity: 5}}, snap)

	require.Len(t, report.Insufficient, 1)
	assert.Equal(t, Line{Key: "seringa_10ml", Name: "Seringa 10ml", Requested: 5, Available: 3}, report.Insufficient[0])
	assert.Empty(t, report.Available)
	assert.Empty(t, report.Missing)
	assert.Equal(t, "Estoque insuficiente: Seringa 10ml (solicitado 5, disponível 3)", report.Summary())
}

func TestCheckRequestSummaryParts(t *testing.T) {
	t.Parallel()

	snap := snapshotOf(
		stock.Level{Key: "gaze", Name: "Gaze", Quantity: 10},
		stock.Level{Key: "luva_m", Name: "Luva M", Quantity: 1},
	)
	report := CheckRequest([]domain.Item{
		{ProductName: "Gaze", Quantity: 2},
		{ProductName: "Luva M", Quantity: 4},
		{ProductName: "Bisturi", Quantity: 1},
	}, snap)

	assert.True(t, report.HasProblems())
	assert.Equal(t,
		"Disponível: Gaze (2/10) | Estoque insuficiente: Luva M (solicitado 4, disponível 1) | Não encontrado(s): Bisturi",
		report.Summary())
}

func TestCheckConfirmUsesFreshSnapshot(t *testing.T) {
	t.Parallel()

	src := stock.NewStaticSource(stock.Level{Key: "seringa_10ml", Name: "Seringa 10ml", Quantity: 10})
	g := New(src, nil)
	items := []domain.Item{{ProductKey: "seringa_10ml", ProductName: "Seringa 10ml", Quantity: 5}}

	assert.True(t, g.CheckConfirm(context.Background(), items).OK)

	src.Set(stock.Level{Key: "seringa_10ml", Name: "Seringa 10ml", Quantity: 2})
	res := g.CheckConfirm(context.Background(), items)
	assert.False(t, res.OK)
	require.Len(t, res.Problems, 1)
	assert.Contains(t, res.Problems[0], "Itens com estoque insuficiente")
}

func TestCheckConfirmRejectsBadInput(t *testing.T) {
	t.Parallel()

	src := stock.NewStaticSource(stock.Level{Key: "gaze", Quantity: 10})
	g := New(src, nil)

	assert.False(t, g.CheckConfirm(context.Background(), nil).OK)
	assert.False(t, g.CheckConfirm(context.Background(), []domain.Item{{ProductKey: "gaze", Quantity: 0}}).OK)

	res := g.CheckConfirm(context.Background(), []domain.Item{{ProductName: "Bisturi", Quantity: 1}})
	assert.False(t, res.OK)
	assert.Equal(t, []string{"Itens não encontrados: Bisturi"}, res.Problems)

	src.Fail(errors.New("inventory down"))
	assert.False(t, g.CheckConfirm(context.Background(), []domain.Item{{ProductKey: "gaze", Quantity: 1}}).OK)
}

func TestCheckConfirmNeverApprovesShortfall(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	src := stock.NewStaticSource()
	g := New(src, nil)

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(4)
		levels := make([]stock.Level, 0, n)
		items := make([]domain.Item, 0, n)
		short := false
		for j := 0; j < n; j++ {
			key := fmt.Sprintf("item_%d", j)
			available := rng.Intn(20)
			requested := 1 + rng.Intn(20)
			if requested > available {
				short = true
			}
			levels = append(levels, stock.Level{Key: key, Quantity: available})
			items = append(items, domain.Item{ProductKey: key, Quantity: requested})
		}
		src.Set(levels...)

		res := g.CheckConfirm(context.Background(), items)
		assert.Equal(t, !short, res.OK, "iteration %d: levels=%v items=%v", i, levels, items)
	}
}

func TestCheckRequestSumsLinesForSameProduct(t *testing.T) {
	t.Parallel()

	snap := snapshotOf(stock.Level{Key: "luva_m", Name: "Luva M", Quantity: 10})
	report := CheckRequest([]domain.Item{
		{ProductKey: "luva_m", Quantity: 6},
		{ProductName: "Luva M", Quantity: 6},
		{ProductName: "Bisturi", Quantity: 1},
		{ProductName: "Bisturi", Quantity: 2},
	}, snap)

	require.Len(t, report.Insufficient, 1)
	assert.Equal(t, Line{Key: "luva_m", Name: "luva_m", Requested: 12, Available: 10}, report.Insufficient[0])
	assert.Empty(t, report.Available)
	assert.Equal(t, []string{"Bisturi"}, report.Missing)
}

func TestCheckConfirmSumsLinesForSameProduct(t *testing.T) {
	t.Parallel()

	src := stock.NewStaticSource(stock.Level{Key: "luva_m", Name: "Luva M", Quantity: 10})
	g := New(src, nil)

	res := g.CheckConfirm(context.Background(), []domain.Item{
		{ProductKey: "luva_m", Quantity: 6},
		{ProductName: "Luva M", Quantity: 6},
	})
	assert.False(t, res.OK)
	require.Len(t, res.Problems, 1)
	assert.Contains(t, res.Problems[0], "solicitado 12, disponível 10")

	res = g.CheckConfirm(context.Background(), []domain.Item{
		{ProductKey: "luva_m", Quantity: 4},
		{ProductName: "luva m", Quantity: 6},
	})
	assert.True(t, res.OK)
}

func TestCheckConfirmNeverApprovesRepeatedLinesOverStock(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	src := stock.NewStaticSource()
	g := New(src, nil)

	for i := 0; i < 500; i++ {
		levels := []stock.Level{
			{Key: "item_0", Quantity: rng.Intn(20)},
			{Key: "item_1", Quantity: rng.Intn(20)},
		}
		src.Set(levels...)

		n := 2 + rng.Intn(4)
		items := make([]domain.Item, 0, n)
		totals := map[string]int{}
		for j := 0; j < n; j++ {
			key := fmt.Sprintf("item_%d", rng.Intn(2))
			requested := 1 + rng.Intn(10)
			totals[key] += requested
			items = append(items, domain.Item{ProductKey: key, Quantity: requested})
		}
		short := totals["item_0"] > levels[0].Quantity || totals["item_1"] > levels[1].Quantity

		res := g.CheckConfirm(context.Background(), items)
		assert.Equal(t, !short, res.OK, "iteration %d: levels=%v items=%v", i, levels, items)
	}
}

func TestOutliers(t *testing.T) {
	t.Parallel()

	g := New(stock.NewStaticSource(), fakeHistory{"gaze": 2, "luva_m": 4})
	out := g.Outliers(context.Background(), []domain.Item{
		{ProductKey: "gaze", Quantity: 11},
		{ProductKey: "luva_m", Quantity: 12},
		{ProductKey: "seringa_10ml", Quantity: 500},
	})

	require.Len(t, out, 2)
	assert.Equal(t, "gaze", out[0].Key)
	assert.Equal(t, "high", out[0].AlertLevel)
	assert.InDelta(t, 5.5, out[0].Factor, 0.001)
	assert.Equal(t, "luva_m", out[1].Key)
	assert.Equal(t, "medium", out[1].AlertLevel)
}

func TestOutliersSumLinesForSameProduct(t *testing.T) {
	t.Parallel()

	g := New(stock.NewStaticSource(), fakeHistory{"luva_m": 4})
	out := g.Outliers(context.Background(), []domain.Item{
		{ProductKey: "luva_m", Quantity: 6},
		{ProductName: "Luva M", Quantity: 6},
	})

	require.Len(t, out, 1)
	assert.Equal(t, 12, out[0].Requested)
	assert.InDelta(t, 3.0, out[0].Factor, 0.001)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	snap := snapshotOf(
		stock.Level{Key: "gaze", Quantity: 100},
		stock.Level{Key: "luva_m", Quantity: 30},
		stock.Level{Key: "seringa_10ml", Quantity: 8},
	)

	risk, _ := Classify([]domain.Item{{ProductKey: "gaze", Quantity: 10}}, snap)
	assert.Equal(t, domain.RiskNormal, risk)

	risk, reason := Classify([]domain.Item{{ProductKey: "luva_m", Quantity: 15}}, snap)
	assert.Equal(t, domain.RiskLowStock, risk)
	assert.Contains(t, reason, "restam 15")

	risk, _ = Classify([]domain.Item{
		{ProductKey: "luva_m", Quantity: 15},
		{ProductKey: "seringa_10ml", Quantity: 3},
	}, snap)
	assert.Equal(t, domain.RiskCriticalStock, risk)
}

func TestAssessPrefersOutlier(t *testing.T) {
	t.Parallel()

	snap := snapshotOf(stock.Level{Key: "seringa_10ml", Quantity: 8})
	items := []domain.Item{{ProductKey: "seringa_10ml", Quantity: 6}}

	risk, _ := New(stock.NewStaticSource(), nil).Assess(context.Background(), items, snap)
	assert.Equal(t, domain.RiskCriticalStock, risk)

	risk, reason := New(stock.NewStaticSource(), fakeHistory{"seringa_10ml": 1}).Assess(context.Background(), items, snap)
	assert.Equal(t, domain.RiskOutlier, risk)
	assert.Contains(t, reason, "Quantidade atípica")
}
