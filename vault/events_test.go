package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNopSink(t *testing.T) {
	assert.NotPanics(t, func() {
		NopSink{}.Emit("vault/lease/db/expire", map[string]any{"shortfall": 10})
	})
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(nil)
	assert.NotPanics(t, func() {
		sink.Emit("vault/cache/connection/clear", nil)
	})
}
