package assistant

import (
	"errors"
	"testing"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := New(&Config{}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestNewReadsKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	client, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if client.cfg.Model != defaultModel {
		t.Errorf("model = %q", client.cfg.Model)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("rate_limit_error: too many requests"), true},
		{errors.New("got 429"), true},
		{errors.New("upstream 503"), true},
		{errors.New("request timeout"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("invalid_request_error: bad model"), false},
		{errors.New("authentication_error"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
