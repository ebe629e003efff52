package delivery_test

import (
	"testing"
	"time"

	"github.com/xraph/herald/delivery"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := delivery.DefaultRetryPolicy()
	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{"first", time.Second, 1, 0, time.Second},
		{"second", time.Second, 2, 0, 2 * time.Second},
		{"third", time.Second, 3, 0, 4 * time.Second},
		{"fifth", 500 * time.Millisecond, 5, 0, 8 * time.Second},
		{"capped", time.Minute, 10, 0, time.Hour},
		{"hint wins", time.Second, 1, 30 * time.Second, 30 * time.Second},
		{"backoff beats small hint", time.Second, 4, 2 * time.Second, 8 * time.Second},
		{"zero base", 0, 1, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.base, tt.attempt, tt.hint); got != tt.want {
				t.Errorf("Delay(%v, %d, %v) = %v, want %v", tt.base, tt.attempt, tt.hint, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_CustomCap(t *testing.T) {
	p := delivery.RetryPolicy{Multiplier: 3, MaxInterval: 10 * time.Second}
	want := []time.Duration{time.Second, 3 * time.Second, 9 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Delay(time.Second, i+1, 0); got != w {
			t.Errorf("attempt %d: %v, want %v", i+1, got, w)
		}
	}
}
