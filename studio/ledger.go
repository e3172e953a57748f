package studio

import (
	"context"
	"errors"
	"sort"
)

// =============================================================================
// LEDGER AUDIT
// =============================================================================

// AuditReport lists every member whose balance no longer matches the ledger.
type AuditReport struct {
	Checked     int
	Diverged    []*LedgerDivergenceError
	NewlyFrozen []MemberID
}

func (r AuditReport) Err() error {
	if len(r.Diverged) == 0 {
		return nil
	}
	errs := make([]error, len(r.Diverged))
	for i, d := range r.Diverged {
		errs[i] = d
	}
	return errors.Join(errs...)
}

// AuditLedger checks InitialBalance + sum(entries) == CreditBalance for
// every member and freezes those that diverge. This condition is not
// reachable through the engine; when it happens, writes for the member
// stop until an operator unfreezes them.
func AuditLedger(ctx context.Context, store Store) (AuditReport, error) {
	snapshot, err := store.LedgerSnapshot(ctx)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{Checked: len(snapshot)}
	for _, ml := range snapshot {
		m, sum := ml.Member, ml.LedgerSum
		if m.InitialBalance+sum == m.CreditBalance {
			continue
		}
		report.Diverged = append(report.Diverged, &LedgerDivergenceError{
			MemberID:       m.ID,
			InitialBalance: m.InitialBalance,
			LedgerSum:      sum,
			CreditBalance:  m.CreditBalance,
		})
		if m.Frozen {
			continue
		}
		if err := store.SetFrozen(ctx, m.ID, true); err != nil {
			return report, err
		}
		report.NewlyFrozen = append(report.NewlyFrozen, m.ID)
	}
	sort.Slice(report.Diverged, func(i, j int) bool {
		return report.Diverged[i].MemberID < report.Diverged[j].MemberID
	})
	return report, nil
}
