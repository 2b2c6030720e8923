package alfred

import (
	"testing"
	"time"
)

func TestRetryBackoffGrows(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 4; i++ {
		d := RetryBackoff(base, i)
		floor := base * (1 << i)
		if d < floor {
			t.Errorf("attempt %d: backoff %v below floor %v", i, d, floor)
		}
		if d > floor+floor/2 {
			t.Errorf("attempt %d: backoff %v above floor+50%% jitter %v", i, d, floor+floor/2)
		}
	}
}
