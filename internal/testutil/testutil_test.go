package testutil

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	c := NewClock(Epoch)
	assert.Equal(t, Epoch, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), c.Now())

	later := Epoch.Add(24 * time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestDecodeAPIResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	assert.Zero(t, DecodeAPIResponse(t, rr))

	rr.Body.Write(MustMarshalJSON(t, map[string]any{"status": "ok", "message": "hi"}))
	resp := DecodeAPIResponse(t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "hi", resp.Message)
}
