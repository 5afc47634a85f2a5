package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBoolEnv(t *testing.T) {
	cases := map[string]bool{"true": true, "YES": true, "on": true, "0": false, "off": false}
	for val, want := range cases {
		t.Setenv("LEADPIPE_TEST_BOOL", val)
		assert.Equal(t, want, ParseBoolEnv("LEADPIPE_TEST_BOOL", !want), "value %q", val)
	}

	t.Setenv("LEADPIPE_TEST_BOOL", "maybe")
	assert.True(t, ParseBoolEnv("LEADPIPE_TEST_BOOL", true))
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("LEADPIPE_TEST_INT", " 7 ")
	assert.Equal(t, 7, ParseIntEnv("LEADPIPE_TEST_INT", 3))

	t.Setenv("LEADPIPE_TEST_INT", "seven")
	assert.Equal(t, 3, ParseIntEnv("LEADPIPE_TEST_INT", 3))
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("LEADPIPE_TEST_DUR", "250ms")
	assert.Equal(t, 250*time.Millisecond, ParseDurationEnv("LEADPIPE_TEST_DUR", time.Second))

	t.Setenv("LEADPIPE_TEST_DUR", "soon")
	assert.Equal(t, time.Second, ParseDurationEnv("LEADPIPE_TEST_DUR", time.Second))
}
