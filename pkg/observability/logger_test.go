package observability

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureOutput(f func()) string {
	var buf bytes.Buffer
	old := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(old)
	f()
	return buf.String()
}

func TestStandardLogger(t *testing.T) {
	t.Run("Filters below minimum level", func(t *testing.T) {
		output := captureOutput(func() {
			logger := NewStandardLogger("test").(*StandardLogger).WithLevel(LogLevelWarn)
			logger.Debug("debug message", nil)
			logger.Info("info message", nil)
			logger.Warn("warn message", nil)
			logger.Error("error message", nil)
		})

		assert.NotContains(t, output, "debug message")
		assert.NotContains(t, output, "info message")
		assert.Contains(t, output, "warn message")
		assert.Contains(t, output, "error message")
	})

	t.Run("Renders fields sorted", func(t *testing.T) {
		output := captureOutput(func() {
			logger := NewStandardLogger("test")
			logger.Info("write", map[string]interface{}{
				"project_id": "p1",
				"key":        "k1",
			})
		})

		assert.Contains(t, output, "key=k1 project_id=p1")
	})

	t.Run("Nests prefixes", func(t *testing.T) {
		output := captureOutput(func() {
			logger := NewStandardLogger("factory").WithPrefix("pool")
			logger.Info("created", nil)
		})

		assert.Contains(t, output, "[factory.pool]")
	})

	t.Run("With fields attach to every entry", func(t *testing.T) {
		output := captureOutput(func() {
			logger := NewStandardLogger("test").With(map[string]interface{}{"worker_id": "w1"})
			logger.Info("first", nil)
			logger.Info("second", map[string]interface{}{"task_id": "t1"})
		})

		lines := strings.Split(strings.TrimSpace(output), "\n")
		assert.Len(t, lines, 2)
		for _, line := range lines {
			assert.Contains(t, line, "worker_id=w1")
		}
		assert.Contains(t, lines[1], "task_id=t1")
	})
}
