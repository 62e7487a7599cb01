// Package usecase contains the business logic of the dispatch controller,
// the settlement ledger, and the epoch sealer, expressed against the ports
// in internal/domain.
package usecase

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/swarmos/swarmos/internal/domain"
)

// FeeSplit carries the configured revenue percentages. Protocol and operator
// fees come off the top; the remainder divides into a work pool paid per job
// and a readiness pool paid for uptime.
type FeeSplit struct {
	ProtocolPct  int
	OperatorPct  int
	WorkPct      int
	ReadinessPct int
}

// four-decimal truncation for internal amounts; USD rounding to 2 decimals
// happens only at the display edge.
func trunc4(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(4)
}

func pct(d decimal.Decimal, p int) decimal.Decimal {
	return d.Mul(decimal.NewFromInt(int64(p))).Div(decimal.NewFromInt(100))
}

// ProtocolFee is the protocol's cut of gross revenue.
func (f FeeSplit) ProtocolFee(gross decimal.Decimal) decimal.Decimal {
	return trunc4(pct(gross, f.ProtocolPct))
}

// OperatorFee is the operator's cut of gross revenue.
func (f FeeSplit) OperatorFee(gross decimal.Decimal) decimal.Decimal {
	return trunc4(pct(gross, f.OperatorPct))
}

// Distributable is what remains for workers after the fixed fees.
func (f FeeSplit) Distributable(gross decimal.Decimal) decimal.Decimal {
	return gross.Sub(f.ProtocolFee(gross)).Sub(f.OperatorFee(gross))
}

// WorkPool is the portion of distributable revenue paid per completed job.
func (f FeeSplit) WorkPool(gross decimal.Decimal) decimal.Decimal {
	return trunc4(pct(f.Distributable(gross), f.WorkPct))
}

// ReadinessPool is the remainder of distributable revenue, so the two pools
// always sum exactly to the distributable amount.
func (f FeeSplit) ReadinessPool(gross decimal.Decimal) decimal.Decimal {
	return f.Distributable(gross).Sub(f.WorkPool(gross))
}

// WorkShare is the per-job amount credited to the completing worker's
// pending balance. On the default split a $0.10 job yields $0.0651.
func (f FeeSplit) WorkShare(fee decimal.Decimal) decimal.Decimal {
	return f.WorkPool(fee)
}

// Settlements computes the per-worker payout table for an epoch.
// jobsByWorker counts completed jobs; eligible lists workers whose uptime
// met the readiness threshold. Workers appear sorted by id.
func (f FeeSplit) Settlements(gross decimal.Decimal, jobsByWorker map[string]int, uptime map[string]int64, eligible []string) []domain.Settlement {
	totalJobs := 0
	for _, n := range jobsByWorker {
		totalJobs += n
	}

	workPool := f.WorkPool(gross)
	readinessPool := f.ReadinessPool(gross)
	readinessEach := decimal.Zero
	if len(eligible) > 0 {
		readinessEach = trunc4(readinessPool.Div(decimal.NewFromInt(int64(len(eligible)))))
	}
	eligibleSet := make(map[string]bool, len(eligible))
	for _, w := range eligible {
		eligibleSet[w] = true
	}

	workers := make(map[string]bool)
	for w := range jobsByWorker {
		workers[w] = true
	}
	for _, w := range eligible {
		workers[w] = true
	}

	out := make([]domain.Settlement, 0, len(workers))
	for w := range workers {
		s := domain.Settlement{
			Worker:        w,
			JobsCompleted: jobsByWorker[w],
			UptimeSeconds: uptime[w],
		}
		if totalJobs > 0 && s.JobsCompleted > 0 {
			s.WorkShare = trunc4(workPool.
				Mul(decimal.NewFromInt(int64(s.JobsCompleted))).
				Div(decimal.NewFromInt(int64(totalJobs))))
		}
		if eligibleSet[w] {
			s.ReadinessShare = readinessEach
		}
		s.Total = s.WorkShare.Add(s.ReadinessShare)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}
