package circuit

import (
	"testing"
	"time"
)

func testBreaker(cooldown time.Duration) *Breaker {
	return NewBreaker("acct-1", &BreakerConfig{
		Enabled:        true,
		MaxFailures:    3,
		Cooldown:       cooldown,
		HalfOpenProbes: 1,
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker(time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure("buy rejected")
		if res := b.Check(); !res.Allowed {
			t.Fatalf("breaker opened after %d failures, want 3", i+1)
		}
	}

	b.RecordFailure("buy rejected")
	res := b.Check()
	if res.Allowed {
		t.Fatal("breaker still admitting after 3 consecutive failures")
	}
	if res.State != StateOpen {
		t.Errorf("state = %s, want open", res.State)
	}
	if res.RetryAfterMS <= 0 {
		t.Error("open breaker must carry a retry-after hint")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := testBreaker(time.Minute)

	b.RecordFailure("x")
	b.RecordFailure("x")
	b.RecordSuccess()
	b.RecordFailure("x")
	b.RecordFailure("x")

	if res := b.Check(); !res.Allowed {
		t.Fatal("success did not reset the failure count")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := testBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		b.RecordFailure("x")
	}
	if res := b.Check(); res.Allowed {
		t.Fatal("expected open breaker")
	}

	time.Sleep(20 * time.Millisecond)

	t.Run("first probe admitted", func(t *testing.T) {
		res := b.Check()
		if !res.Allowed {
			t.Fatal("cool-off elapsed but probe denied")
		}
		if res.State != StateHalfOpen {
			t.Errorf("state = %s, want half_open", res.State)
		}
	})

	t.Run("second probe denied while first in flight", func(t *testing.T) {
		if res := b.Check(); res.Allowed {
			t.Fatal("half-open admitted a second probe")
		}
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		b.RecordFailure("probe lost")
		if b.State() != StateOpen {
			t.Fatalf("state = %s, want open after failed probe", b.State())
		}
	})
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := testBreaker(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		b.RecordFailure("x")
	}
	time.Sleep(20 * time.Millisecond)

	if res := b.Check(); !res.Allowed {
		t.Fatal("probe denied after cool-off")
	}
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after successful probe", b.State())
	}
	if res := b.Check(); !res.Allowed {
		t.Error("closed breaker denied execution")
	}
}

func TestBreakerDisabled(t *testing.T) {
	b := NewBreaker("acct-1", &BreakerConfig{Enabled: false, MaxFailures: 1})
	b.RecordFailure("x")
	b.RecordFailure("x")
	if res := b.Check(); !res.Allowed {
		t.Fatal("disabled breaker must always admit")
	}
}

func TestRegistryPerAccountIsolation(t *testing.T) {
	r := NewRegistry(&BreakerConfig{Enabled: true, MaxFailures: 1, Cooldown: time.Minute})

	r.ForAccount("a").RecordFailure("x")

	if res := r.ForAccount("a").Check(); res.Allowed {
		t.Error("account a breaker should be open")
	}
	if res := r.ForAccount("b").Check(); !res.Allowed {
		t.Error("account b breaker must be unaffected")
	}

	if got := r.ForAccount("a"); got != r.ForAccount("a") {
		t.Error("registry must return the same breaker per account")
	}
}
