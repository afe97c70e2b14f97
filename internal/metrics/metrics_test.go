package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHelpers(t *testing.T) {
	RecordRESTError("bybit-linear", "rate_limited")
	RecordRESTError("bybit-linear", "rate_limited")
	if got := testutil.ToFloat64(RESTErrors.WithLabelValues("bybit-linear", "rate_limited")); got != 2 {
		t.Errorf("rest errors = %v, want 2", got)
	}

	RecordBalancePoll("okx", "errored")
	if got := testutil.ToFloat64(BalancePolls.WithLabelValues("okx", "errored")); got != 1 {
		t.Errorf("balance polls = %v, want 1", got)
	}

	RecordTradeFinished("ftx", "WIN")
	if got := testutil.ToFloat64(TradesFinished.WithLabelValues("ftx", "WIN")); got != 1 {
		t.Errorf("trades finished = %v, want 1", got)
	}
}
