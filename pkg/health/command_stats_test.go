package health

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandStats(t *testing.T) {
	t.Run("Percentiles over a known distribution", func(t *testing.T) {
		s := NewCommandStats(1000)
		for i := 1; i <= 100; i++ {
			s.observe("get", time.Duration(i)*time.Millisecond, true)
		}

		summaries := s.Summaries()
		require.Len(t, summaries, 1)
		assert.Equal(t, "get", summaries[0].Command)
		assert.EqualValues(t, 100, summaries[0].Count)
		assert.Equal(t, 50.0, summaries[0].P50Ms)
		assert.Equal(t, 95.0, summaries[0].P95Ms)
		assert.Equal(t, 99.0, summaries[0].P99Ms)
	})

	t.Run("Error rates are tracked per command", func(t *testing.T) {
		s := NewCommandStats(100)
		s.observe("set", time.Millisecond, true)
		s.observe("set", time.Millisecond, false)
		s.observe("set", time.Millisecond, false)
		s.observe("get", time.Millisecond, true)

		snap := s.Snapshot()
		assert.Equal(t, float64(3), snap["commands.set.count"])
		assert.Equal(t, float64(2), snap["commands.set.errors"])
		assert.InDelta(t, 0.667, snap["commands.set.error_rate"], 0.01)
		assert.Equal(t, float64(0), snap["commands.get.errors"])
	})

	t.Run("Ring keeps only the newest observations", func(t *testing.T) {
		s := NewCommandStats(10)
		for i := 1; i <= 30; i++ {
			s.observe("get", time.Duration(i)*time.Millisecond, true)
		}

		summaries := s.Summaries()
		require.Len(t, summaries, 1)
		assert.EqualValues(t, 30, summaries[0].Count, "count keeps running total")
		// Retained samples are 21..30ms, so the median sits in that range.
		assert.GreaterOrEqual(t, summaries[0].P50Ms, 21.0)
	})

	t.Run("Tracer scope measures and classifies", func(t *testing.T) {
		s := NewCommandStats(10)
		done := s.TraceCommand("project-1", "get", "read")
		done(nil)
		done = s.TraceCommand("project-1", "get", "read")
		done(errors.New("boom"))

		snap := s.Snapshot()
		assert.Equal(t, float64(2), snap["commands.get.count"])
		assert.Equal(t, float64(1), snap["commands.get.errors"])
	})
}
