package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	okBefore := testutil.ToFloat64(LoanMutations.WithLabelValues("test_op", "success"))
	errBefore := testutil.ToFloat64(LoanMutations.WithLabelValues("test_op", "error"))

	Observe("test_op", nil)
	Observe("test_op", errors.New("boom"))
	Observe("test_op", nil)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(LoanMutations.WithLabelValues("test_op", "success")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(LoanMutations.WithLabelValues("test_op", "error")))
}
