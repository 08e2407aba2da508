package chain

import (
	"testing"

	"github.com/tatchi-labs/threshold-signer/internal/errs"
)

func TestClassifyOutcomeMapsRecognizedFailures(t *testing.T) {
	cases := []struct {
		name    string
		outcome *BroadcastOutcome
		want    errs.Code
	}{
		{
			name:    "account already exists",
			outcome: &BroadcastOutcome{Status: OutcomeStatus{FailureRaw: `{"ActionError":{"kind":{"AccountAlreadyExists":{}}}}`}},
			want:    errs.AccountExists,
		},
		{
			name:    "account does not exist",
			outcome: &BroadcastOutcome{Status: OutcomeStatus{FailureRaw: `{"ActionError":{"kind":{"AccountDoesNotExist":{}}}}`}},
			want:    errs.RefAccountMissing,
		},
		{
			name:    "insufficient stake",
			outcome: &BroadcastOutcome{Status: OutcomeStatus{FailureRaw: `{"ActionError":{"kind":{"InsufficientStake":{}}}}`}},
			want:    errs.InsufficientStake,
		},
		{
			name:    "lack balance for state",
			outcome: &BroadcastOutcome{Status: OutcomeStatus{FailureRaw: `{"ActionError":{"kind":{"LackBalanceForState":{}}}}`}},
			want:    errs.InsufficientBalance,
		},
		{
			name:    "guest panic log",
			outcome: &BroadcastOutcome{Status: OutcomeStatus{FailureRaw: "{}"}, Logs: []string{"GuestPanic: registration failed"}},
			want:    errs.ContractError,
		},
		{
			name:    "unrecognized failure falls back to contract_error",
			outcome: &BroadcastOutcome{Status: OutcomeStatus{FailureRaw: `{"ActionError":{"kind":{"SomethingElse":{}}}}`}},
			want:    errs.ContractError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ClassifyOutcome(tc.outcome)
			e, ok := errs.As(err)
			if !ok {
				t.Fatalf("expected an *errs.E, got %v", err)
			}
			if e.Code != tc.want {
				t.Errorf("got code %s, want %s", e.Code, tc.want)
			}
		})
	}
}

func TestClassifyOutcomeSuccessReturnsNil(t *testing.T) {
	outcome := &BroadcastOutcome{Status: OutcomeStatus{Success: true}}
	if err := ClassifyOutcome(outcome); err != nil {
		t.Fatalf("expected nil error for a successful outcome, got %v", err)
	}
}
