package usecase

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var defaultSplit = FeeSplit{ProtocolPct: 2, OperatorPct: 5, WorkPct: 70, ReadinessPct: 30}

func TestDefaultSplitOnTenCents(t *testing.T) {
	gross := d("0.10")
	assert.True(t, defaultSplit.ProtocolFee(gross).Equal(d("0.002")), "protocol got %s", defaultSplit.ProtocolFee(gross))
	assert.True(t, defaultSplit.OperatorFee(gross).Equal(d("0.005")))
	assert.True(t, defaultSplit.WorkPool(gross).Equal(d("0.0651")))
	assert.True(t, defaultSplit.ReadinessPool(gross).Equal(d("0.0279")))
	assert.True(t, defaultSplit.WorkShare(d("0.10")).Equal(d("0.0651")))
}

func TestPoolsSumToDistributable(t *testing.T) {
	for _, gross := range []string{"0.10", "1.00", "3.70", "123.45", "0.01"} {
		g := d(gross)
		sum := defaultSplit.WorkPool(g).Add(defaultSplit.ReadinessPool(g))
		assert.True(t, sum.Equal(defaultSplit.Distributable(g)), "gross %s", gross)
	}
}

func TestSettlementsSingleWorker(t *testing.T) {
	out := defaultSplit.Settlements(d("0.10"),
		map[string]int{"w1": 1},
		map[string]int64{"w1": 3600},
		[]string{"w1"},
	)
	assert.Len(t, out, 1)
	assert.Equal(t, "w1", out[0].Worker)
	assert.Equal(t, 1, out[0].JobsCompleted)
	assert.True(t, out[0].WorkShare.Equal(d("0.0651")))
	assert.True(t, out[0].ReadinessShare.Equal(d("0.0279")))
	assert.True(t, out[0].Total.Equal(d("0.093")))
}

func TestSettlementsProportionalWork(t *testing.T) {
	// Ten jobs at $0.10: work pool 0.651, readiness pool 0.279.
	out := defaultSplit.Settlements(d("1.00"),
		map[string]int{"w1": 7, "w2": 3},
		map[string]int64{"w1": 7200, "w2": 7200},
		[]string{"w1", "w2"},
	)
	assert.Len(t, out, 2)
	assert.Equal(t, "w1", out[0].Worker)
	assert.True(t, out[0].WorkShare.Equal(d("0.4557")), "w1 work got %s", out[0].WorkShare)
	assert.True(t, out[1].WorkShare.Equal(d("0.1953")), "w2 work got %s", out[1].WorkShare)
	assert.True(t, out[0].ReadinessShare.Equal(d("0.1395")))
	assert.True(t, out[1].ReadinessShare.Equal(d("0.1395")))
}

func TestSettlementsIneligibleWorkerGetsNoReadiness(t *testing.T) {
	out := defaultSplit.Settlements(d("0.10"),
		map[string]int{"w1": 1},
		map[string]int64{"w1": 60, "w2": 7200},
		[]string{"w2"},
	)
	assert.Len(t, out, 2)
	byWorker := map[string]int{}
	for i, s := range out {
		byWorker[s.Worker] = i
	}
	w1 := out[byWorker["w1"]]
	w2 := out[byWorker["w2"]]
	assert.True(t, w1.WorkShare.Equal(d("0.0651")))
	assert.True(t, w1.ReadinessShare.IsZero())
	assert.True(t, w2.WorkShare.IsZero())
	assert.True(t, w2.ReadinessShare.Equal(d("0.0279")))
}

func TestSettlementsEmptyEpoch(t *testing.T) {
	out := defaultSplit.Settlements(decimal.Zero, nil, nil, nil)
	assert.Empty(t, out)
}
