package recovery

import (
	"math"
	"testing"
)

func testInput() NetworkInput {
	return NetworkInput{
		DeficitPct:       5,
		LossStreak:       2,
		WinRate:          0.55,
		RegimeConfidence: 0.7,
		Volatility:       0.4,
		TimeSinceWinMS:   60000,
		DrawdownPct:      3,
		TradesInRecovery: 4,
	}
}

func TestPredictReturnsDefaultsBeforeTraining(t *testing.T) {
	n := NewNetwork()
	got := n.Predict(testInput())
	if got != DefaultOverrides() {
		t.Errorf("untrained predict = %+v, want defaults %+v", got, DefaultOverrides())
	}

	n.Train(testInput(), DefaultOverrides(), 0.5)
	n.Train(testInput(), DefaultOverrides(), 0.5)
	if got := n.Predict(testInput()); got != DefaultOverrides() {
		t.Errorf("predict with %d iterations = %+v, want defaults", n.Iterations, got)
	}
}

func TestPredictOutputsWithinRanges(t *testing.T) {
	n := NewNetwork()
	for i := 0; i < 3; i++ {
		n.Train(testInput(), DefaultOverrides(), 0.5)
	}

	o := n.Predict(testInput())
	if o.StakeMultiplier < 0.5 || o.StakeMultiplier > 2.0 {
		t.Errorf("stakeMultiplier = %v, want [0.5, 2.0]", o.StakeMultiplier)
	}
	if o.PrecisionThreshold < 0.6 || o.PrecisionThreshold > 0.95 {
		t.Errorf("precisionThreshold = %v, want [0.6, 0.95]", o.PrecisionThreshold)
	}
	if o.ConfidenceBoost < 0 || o.ConfidenceBoost > 0.35 {
		t.Errorf("confidenceBoost = %v, want [0, 0.35]", o.ConfidenceBoost)
	}
	if o.Aggressiveness < 0 || o.Aggressiveness > 1 {
		t.Errorf("aggressiveness = %v, want [0, 1]", o.Aggressiveness)
	}
}

func TestTrainIncrementsIterationsWithFiniteLoss(t *testing.T) {
	n := NewNetwork()
	for i := 1; i <= 10; i++ {
		loss := n.Train(testInput(), DefaultOverrides(), 0.8)
		if n.Iterations != i {
			t.Fatalf("iterations = %d after %d trains", n.Iterations, i)
		}
		if loss < 0 || math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Fatalf("loss = %v, want finite non-negative", loss)
		}
	}
	if n.LastTrainedAt.IsZero() {
		t.Error("lastTrainedAt not set")
	}

	out := n.rawOutputs(testInput())
	for i, v := range out {
		if v < 0 || v > 1 || math.IsNaN(v) {
			t.Errorf("output[%d] = %v, want [0,1]", i, v)
		}
	}
}

func TestTrainReducesLossOnFixedTarget(t *testing.T) {
	n := NewNetwork()
	used := Overrides{StakeMultiplier: 1.8, PrecisionThreshold: 0.9, ConfidenceBoost: 0.3, Aggressiveness: 0.8}

	first := n.Train(testInput(), used, 1.0)
	var last float64
	for i := 0; i < 300; i++ {
		last = n.Train(testInput(), used, 1.0)
	}
	if last >= first {
		t.Errorf("loss did not decrease: first %v, last %v", first, last)
	}
}

func TestSerializeRoundTripIsBitIdentical(t *testing.T) {
	n := NewNetwork()
	for i := 0; i < 5; i++ {
		n.Train(testInput(), DefaultOverrides(), 0.7)
	}
	before := n.rawOutputs(testInput())

	data, err := n.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	restored := NewNetwork()
	if err := restored.Deserialize(data); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if restored.Iterations != n.Iterations {
		t.Errorf("iterations = %d, want %d", restored.Iterations, n.Iterations)
	}

	after := restored.rawOutputs(testInput())
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("output[%d] differs after round trip: %v vs %v", i, before[i], after[i])
		}
	}
}

func TestDeserializeRejectsShapeMismatch(t *testing.T) {
	n := NewNetwork()
	n.Train(testInput(), DefaultOverrides(), 0.5)
	data, _ := n.Serialize()

	bad := NewNetwork()
	bad.W1 = bad.W1[:10]
	badData, _ := bad.Serialize()

	target := NewNetwork()
	if err := target.Deserialize(badData); err == nil {
		t.Fatal("shape mismatch accepted")
	}
	// Reinitialized network must carry valid shapes and be loadable again
	if len(target.W1) != inputSize*hidden1Size {
		t.Fatalf("network not reinitialized after rejection: len(W1) = %d", len(target.W1))
	}
	if target.Iterations != 0 {
		t.Errorf("iterations = %d after reinit, want 0", target.Iterations)
	}
	if err := target.Deserialize(data); err != nil {
		t.Errorf("valid payload rejected after reinit: %v", err)
	}
}

func TestSigmoidClampsExtremes(t *testing.T) {
	hi := sigmoid(1e6)
	lo := sigmoid(-1e6)
	if math.IsNaN(hi) || math.IsNaN(lo) {
		t.Fatal("sigmoid produced NaN at extremes")
	}
	if hi <= 0.99 || lo >= 0.01 {
		t.Errorf("sigmoid extremes = %v / %v", hi, lo)
	}
}
