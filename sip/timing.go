package sip

import "time"

// Default base values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests.
	T2 = 4 * time.Second
)

// TimingConfig represents the SIP timing config.
// The zero value uses the default base values [T1] and [T2]; all other
// timings derive from these.
type TimingConfig struct {
	t1, t2 time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a timing config with the specified base values.
func NewTimings(t1, t2 time.Duration) TimingConfig {
	return TimingConfig{t1, t2}
}

// T1 is the message RTT estimate. It is equal to [T1] if not specified.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval. It is equal to [T2] if not
// specified.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// RetransmitInterval returns the retransmission interval after the given
// number of attempts: T1 doubling, capped at T2.
func (c TimingConfig) RetransmitInterval(attempt int) time.Duration {
	d := c.T1()
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.T2() {
			return c.T2()
		}
	}
	return d
}

// Timeout returns the overall transaction timeout, 64*T1 (timer B/F).
func (c TimingConfig) Timeout() time.Duration { return 64 * c.T1() }
