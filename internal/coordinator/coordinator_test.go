package coordinator

import (
	"errors"
	"testing"
	"time"

	"github.com/tatchi-labs/threshold-signer/internal/config"
)

func TestProbeOrderBiasesAwayFromRecentFailures(t *testing.T) {
	tr := NewTransport([]byte("secret"), time.Second)
	candidates := []config.Cosigner{{CosignerID: 1}, {CosignerID: 2}, {CosignerID: 3}}

	tr.recordProbe(2, 1_000, 10*time.Millisecond, errors.New("timeout"))
	tr.recordProbe(2, 2_000, 10*time.Millisecond, errors.New("timeout"))

	order := tr.probeOrder(candidates)
	ids := make([]int, len(order))
	for i, c := range order {
		ids[i] = c.CosignerID
	}
	if ids[len(ids)-1] != 2 {
		t.Fatalf("expected cosigner 2 (2 consecutive failures) probed last, got order %v", ids)
	}
	if ids[0] != 1 {
		t.Fatalf("expected cosigner 1 probed first among the tied-healthy candidates, got order %v", ids)
	}
}

func TestProbeOrderResetsConsecutiveFailuresOnSuccess(t *testing.T) {
	tr := NewTransport([]byte("secret"), time.Second)
	tr.recordProbe(3, 1_000, 5*time.Millisecond, errors.New("boom"))
	tr.recordProbe(3, 2_000, 5*time.Millisecond, nil)

	order := tr.probeOrder([]config.Cosigner{{CosignerID: 3}, {CosignerID: 1}})
	if order[0].CosignerID != 1 {
		t.Fatalf("expected ascending cosignerId tie-break once both are at 0 consecutive failures, got %+v", order)
	}
}

func TestProbeOrderLeavesNeverProbedCandidatesAtAscendingOrder(t *testing.T) {
	tr := NewTransport([]byte("secret"), time.Second)
	candidates := []config.Cosigner{{CosignerID: 5}, {CosignerID: 2}, {CosignerID: 9}}

	order := tr.probeOrder(candidates)
	for i, want := range []int{2, 5, 9} {
		if order[i].CosignerID != want {
			t.Fatalf("expected plain ascending cosignerId order with no scoreboard entries, got %+v", order)
		}
	}
}
