package compensation

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestCompensateRunsInReverseOrder(t *testing.T) {
	r := New()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		r.Register("op-1", func(args ...any) error {
			order = append(order, i)
			return nil
		})
	}

	res := r.Compensate("op-1")
	assert.Equal(t, []int{2, 1, 0}, order)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Equal(t, 0, res.FailureCount)
}

func TestCompensateContinuesAfterIndividualFailure(t *testing.T) {
	r := New()
	var ran []int
	r.Register("op-1", func(args ...any) error { ran = append(ran, 1); return nil })
	r.Register("op-1", func(args ...any) error { ran = append(ran, 2); return errors.New("boom") })
	r.Register("op-1", func(args ...any) error { ran = append(ran, 3); return nil })

	res := r.Compensate("op-1")
	assert.Equal(t, []int{3, 2, 1}, ran, "every callback must run regardless of earlier failures")
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
}

func TestCompensateRemovesRecordAfterRunning(t *testing.T) {
	r := New()
	r.Register("op-1", func(args ...any) error { return nil })
	r.Compensate("op-1")
	assert.False(t, r.Pending("op-1"))

	// a second compensate on the same id is a no-op (nothing left registered)
	res := r.Compensate("op-1")
	assert.Equal(t, 0, res.SuccessCount)
	assert.Equal(t, 0, res.FailureCount)
}

// TestLIFOOrderProperty verifies the §8 invariant: for registrations
// R1,...,Rk, compensate invokes them in the order Rk,...,R1.
func TestLIFOOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("callbacks run in strict reverse-registration order", prop.ForAll(
		func(n int) bool {
			r := New()
			var order []int
			for i := 0; i < n; i++ {
				i := i
				r.Register("op", func(args ...any) error {
					order = append(order, i)
					return nil
				})
			}
			r.Compensate("op")
			if len(order) != n {
				return false
			}
			for idx, v := range order {
				if v != n-1-idx {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
