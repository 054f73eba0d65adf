package contracts

import (
	"testing"
	"time"
)

func openContract(id int64, stake float64) OpenContract {
	return OpenContract{
		ContractID: id,
		AccountID:  "A",
		Symbol:     "R_100",
		Direction:  "CALL",
		BuyPrice:   stake,
		Payout:     stake * 1.95,
		Stake:      stake,
	}
}

func TestIndexExposureMatchesOpenContracts(t *testing.T) {
	idx := NewIndex()
	idx.Add(openContract(1, 2))
	idx.Add(openContract(2, 3))

	if got := idx.Exposure("A"); got != 5 {
		t.Fatalf("exposure = %v, want 5", got)
	}
	if got := idx.Count("A"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	c, ok := idx.Remove("A", 1)
	if !ok || c.Stake != 2 {
		t.Fatalf("Remove returned %+v ok=%v", c, ok)
	}
	if got := idx.Exposure("A"); got != 3 {
		t.Fatalf("exposure after remove = %v, want 3", got)
	}

	if _, ok := idx.Remove("A", 1); ok {
		t.Error("double remove must report missing")
	}
}

func TestIndexMarkPosition(t *testing.T) {
	idx := NewIndex()
	idx.Add(openContract(7, 1))

	if !idx.MarkPosition("A", 7, 100.5, 0.4) {
		t.Fatal("MarkPosition failed for open contract")
	}
	c, _ := idx.Get("A", 7)
	if c.LastMarkPrice != 100.5 || c.UnrealizedPnL != 0.4 {
		t.Errorf("mark not applied: %+v", c)
	}

	if idx.MarkPosition("A", 99, 1, 1) {
		t.Error("MarkPosition succeeded for unknown contract")
	}
}

func TestPnLTrackerLifecycle(t *testing.T) {
	tr := NewPnLTracker()

	tr.RegisterOpen(openContract(1, 2))
	tr.Mark("A", 1, 0.5)

	snap := tr.Snapshot("A")
	if snap.OpenPositionCount != 1 || snap.OpenExposure != 2 {
		t.Fatalf("open snapshot wrong: %+v", snap)
	}
	if snap.UnrealizedPnL != 0.5 || snap.NetPnL != 0.5 {
		t.Errorf("unrealized = %v net = %v, want 0.5/0.5", snap.UnrealizedPnL, snap.NetPnL)
	}

	tr.Settle("A", 1, 2, 1.9)
	snap = tr.Snapshot("A")
	if snap.OpenPositionCount != 0 || snap.OpenExposure != 0 {
		t.Fatalf("settled snapshot wrong: %+v", snap)
	}
	if snap.RealizedPnL != 1.9 || snap.WinCount != 1 {
		t.Errorf("realized = %v wins = %d, want 1.9/1", snap.RealizedPnL, snap.WinCount)
	}
	if snap.AvgWin != 1.9 {
		t.Errorf("avgWin = %v, want 1.9", snap.AvgWin)
	}
}

func TestPnLTrackerWinLossAverages(t *testing.T) {
	tr := NewPnLTracker()

	outcomes := []float64{2, 4, -3}
	for i, p := range outcomes {
		id := int64(i + 1)
		tr.RegisterOpen(openContract(id, 1))
		tr.Settle("A", id, 1, p)
	}

	snap := tr.Snapshot("A")
	if snap.WinCount != 2 || snap.LossCount != 1 {
		t.Fatalf("wins/losses = %d/%d, want 2/1", snap.WinCount, snap.LossCount)
	}
	if snap.AvgWin != 3 {
		t.Errorf("avgWin = %v, want 3", snap.AvgWin)
	}
	if snap.AvgLoss != 3 {
		t.Errorf("avgLoss = %v, want 3", snap.AvgLoss)
	}
	if snap.RealizedPnL != 3 {
		t.Errorf("realized = %v, want 3", snap.RealizedPnL)
	}
}

func TestPnLSubscriptionEmitsOnChange(t *testing.T) {
	tr := NewPnLTracker()
	ch, cancel := tr.Subscribe("A")
	defer cancel()

	tr.RegisterOpen(openContract(1, 1))

	select {
	case snap := <-ch:
		if snap.OpenPositionCount != 1 {
			t.Errorf("snapshot open count = %d, want 1", snap.OpenPositionCount)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered after change")
	}

	cancel()
	// Cancel twice must not panic
	cancel()

	tr.Settle("A", 1, 1, 0.9)
	if _, ok := <-ch; ok {
		// a buffered snapshot may still drain; channel must be closed eventually
		if _, ok := <-ch; ok {
			t.Error("channel still open after cancel")
		}
	}
}

func TestPnLBalanceDrift(t *testing.T) {
	tr := NewPnLTracker()
	tr.SetBalance("A", 1000.5, -0.5)

	snap := tr.Snapshot("A")
	if snap.LastKnownBalance == nil || *snap.LastKnownBalance != 1000.5 {
		t.Fatalf("lastKnownBalance = %v", snap.LastKnownBalance)
	}
	if snap.BalanceDrift == nil || *snap.BalanceDrift != -0.5 {
		t.Fatalf("balanceDrift = %v", snap.BalanceDrift)
	}
}
