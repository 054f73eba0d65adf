// Package recovery drives the per-account loss-recovery state machine and
// the small feedforward network that tunes its trade overrides.
package recovery

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Layer shapes, fixed at compile time
const (
	inputSize   = 8
	hidden1Size = 16
	hidden2Size = 8
	outputSize  = 4
)

// Training hyperparameters
const (
	initialLearningRate = 0.01
	learningRateDecay   = 0.999
	minLearningRate     = 0.0001
	minTrainIterations  = 3
	sigmoidClamp        = 15
)

// Output parameter ranges
const (
	stakeMultiplierMin    = 0.5
	stakeMultiplierMax    = 2.0
	precisionThresholdMin = 0.6
	precisionThresholdMax = 0.95
	confidenceBoostMin    = 0.0
	confidenceBoostMax    = 0.35
)

// Overrides are the network's tuned recovery parameters
type Overrides struct {
	StakeMultiplier    float64 `json:"stake_multiplier"`
	PrecisionThreshold float64 `json:"precision_threshold"`
	ConfidenceBoost    float64 `json:"confidence_boost"`
	Aggressiveness     float64 `json:"aggressiveness"`
}

// DefaultOverrides are the conservative parameters used before the network
// has seen enough episodes, and the anchor low-reward training pulls toward.
func DefaultOverrides() Overrides {
	return Overrides{
		StakeMultiplier:    1.0,
		PrecisionThreshold: 0.75,
		ConfidenceBoost:    0.05,
		Aggressiveness:     0.3,
	}
}

// NetworkInput is the 8-feature episode context fed to the network
type NetworkInput struct {
	DeficitPct       float64
	LossStreak       float64
	WinRate          float64
	RegimeConfidence float64
	Volatility       float64
	TimeSinceWinMS   float64
	DrawdownPct      float64
	TradesInRecovery float64
}

func (in NetworkInput) vector() [inputSize]float64 {
	return [inputSize]float64{
		clamp01(in.DeficitPct / 100),
		clamp01(in.LossStreak / 10),
		clamp01(in.WinRate),
		clamp01(in.RegimeConfidence),
		clamp01(in.Volatility),
		clamp01(in.TimeSinceWinMS / (30 * 60 * 1000)),
		clamp01(in.DrawdownPct / 100),
		clamp01(in.TradesInRecovery / 20),
	}
}

// Network is an 8-16-8-4 feedforward net with flat row-major weights.
// Hidden layers use ReLU, the output layer sigmoid.
type Network struct {
	W1 []float64 `json:"w1"` // inputSize x hidden1Size
	B1 []float64 `json:"b1"`
	W2 []float64 `json:"w2"` // hidden1Size x hidden2Size
	B2 []float64 `json:"b2"`
	W3 []float64 `json:"w3"` // hidden2Size x outputSize
	B3 []float64 `json:"b3"`

	Iterations    int       `json:"iterations"`
	LastTrainedAt time.Time `json:"last_trained_at"`
}

// NewNetwork creates a Xavier-initialized network
func NewNetwork() *Network {
	n := &Network{}
	n.reinitialize()
	return n
}

func (n *Network) reinitialize() {
	n.W1 = xavier(inputSize, hidden1Size)
	n.B1 = make([]float64, hidden1Size)
	n.W2 = xavier(hidden1Size, hidden2Size)
	n.B2 = make([]float64, hidden2Size)
	n.W3 = xavier(hidden2Size, outputSize)
	n.B3 = make([]float64, outputSize)
	n.Iterations = 0
	n.LastTrainedAt = time.Time{}
}

// xavier samples uniform weights on ±sqrt(6/(fanIn+fanOut))
func xavier(fanIn, fanOut int) []float64 {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	w := make([]float64, fanIn*fanOut)
	for i := range w {
		w[i] = (rand.Float64()*2 - 1) * limit
	}
	return w
}

func sigmoid(x float64) float64 {
	if x > sigmoidClamp {
		x = sigmoidClamp
	} else if x < -sigmoidClamp {
		x = -sigmoidClamp
	}
	return 1 / (1 + math.Exp(-x))
}

func relu(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

// forward runs one pass, returning pre-activations and activations for
// every layer so train can backprop through them.
func (n *Network) forward(in [inputSize]float64) (z1, h1 [hidden1Size]float64, z2, h2 [hidden2Size]float64, out [outputSize]float64) {
	for j := 0; j < hidden1Size; j++ {
		sum := n.B1[j]
		for i := 0; i < inputSize; i++ {
			sum += in[i] * n.W1[i*hidden1Size+j]
		}
		z1[j] = sum
		h1[j] = relu(sum)
	}
	for j := 0; j < hidden2Size; j++ {
		sum := n.B2[j]
		for i := 0; i < hidden1Size; i++ {
			sum += h1[i] * n.W2[i*hidden2Size+j]
		}
		z2[j] = sum
		h2[j] = relu(sum)
	}
	for j := 0; j < outputSize; j++ {
		sum := n.B3[j]
		for i := 0; i < hidden2Size; i++ {
			sum += h2[i] * n.W3[i*outputSize+j]
		}
		out[j] = sigmoid(sum)
	}
	return
}

// rawOutputs runs a forward pass and returns the sigmoid outputs in [0,1]
func (n *Network) rawOutputs(in NetworkInput) [outputSize]float64 {
	_, _, _, _, out := n.forward(in.vector())
	return out
}

// Predict maps the network's outputs to recovery overrides. Before the
// minimum number of training episodes it returns the fixed defaults.
func (n *Network) Predict(in NetworkInput) Overrides {
	if n.Iterations < minTrainIterations {
		return DefaultOverrides()
	}
	out := n.rawOutputs(in)
	return Overrides{
		StakeMultiplier:    lerp(stakeMultiplierMin, stakeMultiplierMax, out[0]),
		PrecisionThreshold: lerp(precisionThresholdMin, precisionThresholdMax, out[1]),
		ConfidenceBoost:    lerp(confidenceBoostMin, confidenceBoostMax, out[2]),
		Aggressiveness:     out[3],
	}
}

// normalize maps overrides back into [0,1] network space
func normalize(o Overrides) [outputSize]float64 {
	return [outputSize]float64{
		clamp01((o.StakeMultiplier - stakeMultiplierMin) / (stakeMultiplierMax - stakeMultiplierMin)),
		clamp01((o.PrecisionThreshold - precisionThresholdMin) / (precisionThresholdMax - precisionThresholdMin)),
		clamp01((o.ConfidenceBoost - confidenceBoostMin) / (confidenceBoostMax - confidenceBoostMin)),
		clamp01(o.Aggressiveness),
	}
}

// Train runs one online SGD step. The reward in [0,1] interpolates the
// target between the conservative defaults and the parameters actually
// used: high reward pulls toward what worked, low reward pulls back to
// the defaults. Returns the squared-error loss against the target.
func (n *Network) Train(in NetworkInput, used Overrides, reward float64) float64 {
	reward = clamp01(reward)
	lr := math.Max(minLearningRate, initialLearningRate*math.Pow(learningRateDecay, float64(n.Iterations)))

	defaultNorm := normalize(DefaultOverrides())
	actualNorm := normalize(used)
	var target [outputSize]float64
	for i := 0; i < outputSize; i++ {
		target[i] = lerp(defaultNorm[i], actualNorm[i], reward)
	}

	vec := in.vector()
	z1, h1, z2, h2, out := n.forward(vec)

	var loss float64
	var outDelta [outputSize]float64
	for j := 0; j < outputSize; j++ {
		diff := target[j] - out[j]
		loss += diff * diff
		outDelta[j] = diff * out[j] * (1 - out[j])
	}

	// Backprop into hidden layer 2
	var h2Delta [hidden2Size]float64
	for i := 0; i < hidden2Size; i++ {
		if z2[i] <= 0 {
			continue
		}
		var sum float64
		for j := 0; j < outputSize; j++ {
			sum += outDelta[j] * n.W3[i*outputSize+j]
		}
		h2Delta[i] = sum
	}

	// Backprop into hidden layer 1
	var h1Delta [hidden1Size]float64
	for i := 0; i < hidden1Size; i++ {
		if z1[i] <= 0 {
			continue
		}
		var sum float64
		for j := 0; j < hidden2Size; j++ {
			sum += h2Delta[j] * n.W2[i*hidden2Size+j]
		}
		h1Delta[i] = sum
	}

	// SGD updates
	for i := 0; i < hidden2Size; i++ {
		for j := 0; j < outputSize; j++ {
			n.W3[i*outputSize+j] += lr * outDelta[j] * h2[i]
		}
	}
	for j := 0; j < outputSize; j++ {
		n.B3[j] += lr * outDelta[j]
	}
	for i := 0; i < hidden1Size; i++ {
		for j := 0; j < hidden2Size; j++ {
			n.W2[i*hidden2Size+j] += lr * h2Delta[j] * h1[i]
		}
	}
	for j := 0; j < hidden2Size; j++ {
		n.B2[j] += lr * h2Delta[j]
	}
	for i := 0; i < inputSize; i++ {
		for j := 0; j < hidden1Size; j++ {
			n.W1[i*hidden1Size+j] += lr * h1Delta[j] * vec[i]
		}
	}
	for j := 0; j < hidden1Size; j++ {
		n.B1[j] += lr * h1Delta[j]
	}

	n.Iterations++
	n.LastTrainedAt = time.Now()
	return loss
}

// Serialize encodes the network as JSON for the weights store
func (n *Network) Serialize() ([]byte, error) {
	return json.Marshal(n)
}

// Deserialize loads a stored network. Payloads whose flat array lengths do
// not match the layer shapes are rejected and the network reinitializes
// fresh weights instead.
func (n *Network) Deserialize(data []byte) error {
	var loaded Network
	if err := json.Unmarshal(data, &loaded); err != nil {
		n.reinitialize()
		return fmt.Errorf("failed to decode network payload: %w", err)
	}
	if len(loaded.W1) != inputSize*hidden1Size || len(loaded.B1) != hidden1Size ||
		len(loaded.W2) != hidden1Size*hidden2Size || len(loaded.B2) != hidden2Size ||
		len(loaded.W3) != hidden2Size*outputSize || len(loaded.B3) != outputSize {
		n.reinitialize()
		return fmt.Errorf("network payload has wrong layer shapes")
	}
	*n = loaded
	return nil
}
