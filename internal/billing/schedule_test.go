package billing

import (
	"context"
	"testing"
	"time"

	"crmtowfirma/models"
)

func TestDeterminePlan(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		daysAhead  int // -1 означает отсутствие даты
		wantMode   string
		wantSecond bool
	}{
		{"no target date", -1, models.PlanSingle, false},
		{"tomorrow", 1, models.PlanSingle, false},
		{"29 days out", 29, models.PlanSingle, false},
		{"exactly 30 days out", 30, models.PlanSplit, true},
		{"40 days out", 40, models.PlanSplit, true},
		{"a year out", 365, models.PlanSplit, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var target *time.Time
			if tt.daysAhead >= 0 {
				d := now.AddDate(0, 0, tt.daysAhead)
				target = &d
			}

			plan := DeterminePlan(target, now)

			if plan.Mode != tt.wantMode {
				t.Errorf("mode = %s, want %s", plan.Mode, tt.wantMode)
			}
			if tt.wantSecond {
				if plan.SecondPaymentDate == nil {
					t.Fatal("expected second payment date, got nil")
				}
				want := target.AddDate(0, -1, 0)
				if !plan.SecondPaymentDate.Equal(want) {
					t.Errorf("second payment date = %v, want %v (target minus one month)", plan.SecondPaymentDate, want)
				}
			} else if plan.SecondPaymentDate != nil {
				t.Errorf("unexpected second payment date %v for single plan", plan.SecondPaymentDate)
			}
		})
	}
}

func TestDeterminePlanIsPure(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	target := now.AddDate(0, 0, 45)

	first := DeterminePlan(&target, now)
	second := DeterminePlan(&target, now)

	if first.Mode != second.Mode {
		t.Errorf("same inputs produced different modes: %s vs %s", first.Mode, second.Mode)
	}
	if !first.SecondPaymentDate.Equal(*second.SecondPaymentDate) {
		t.Error("same inputs produced different second payment dates")
	}
}

func TestPlanForDealPrefersRecordedPlan(t *testing.T) {
	env := newTestEnv(t)

	// Сделка с датой за 40 дней: живой план split.
	deal := env.addDeal(1, 1000, "PLN", 40)
	rec, err := env.engine.IssueSession(context.Background(), deal, models.PhaseDeposit, nil)
	if err != nil {
		t.Fatalf("issue deposit: %v", err)
	}
	if rec.PlanMode != models.PlanSplit {
		t.Fatalf("recorded plan = %s, want split", rec.PlanMode)
	}

	// Время идет, дата влезает в 30-дневное окно — живой пересчет дал бы single.
	env.now = env.now.AddDate(0, 0, 20)

	plan, err := env.engine.PlanForDeal(deal)
	if err != nil {
		t.Fatalf("plan for deal: %v", err)
	}
	if plan.Mode != models.PlanSplit {
		t.Errorf("plan mode = %s, want split recorded at issuance time", plan.Mode)
	}
}
