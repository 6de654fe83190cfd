package reliability

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want StatusClass
	}{
		{200, ClassOK},
		{204, ClassOK},
		{400, ClassPermanent},
		{401, ClassAuth},
		{403, ClassAuth},
		{429, ClassRateLimited},
		{500, ClassRetryable},
		{503, ClassRetryable},
		{501, ClassPermanent},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyHTTPStatus(tc.code), "code %d", tc.code)
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	assert.False(t, IsRetryableHTTPStatus(400))
	assert.True(t, IsRetryableHTTPStatus(429))
	assert.True(t, IsRetryableHTTPStatus(502))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, 7*time.Second, ParseRetryAfter("7", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-3", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	assert.Equal(t, base, ExponentialBackoff(0, base, capDur))
	assert.Equal(t, 400*time.Millisecond, ExponentialBackoff(2, base, capDur))
	assert.Equal(t, capDur, ExponentialBackoff(10, base, capDur))
}
