package metrics

import "testing"

func TestCloseReasonBucket(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"Trailing stop fired", "trailing_stop"},
		{"Hard stop loss hit", "stop_loss"},
		{"Entry timeout", "entry_timeout"},
		{"Manual close", "manual"},
		{"Close signal received", "manual"},
		{"Trend switched to down", "trend_switch"},
		{"Exchange sync", "exchange_sync"},
		{"Closed during downtime", "exchange_sync"},
		{"", "other"},
		{"something else entirely", "other"},
	}
	for _, tt := range tests {
		if got := CloseReasonBucket(tt.reason); got != tt.want {
			t.Errorf("CloseReasonBucket(%q) = %s, want %s", tt.reason, got, tt.want)
		}
	}
}
