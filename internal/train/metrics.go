package train

import (
	"encoding/json"
	"math"
	"os"
)

// EpochMetrics is the record kept for one epoch.
type EpochMetrics struct {
	Epoch      int     `json:"epoch"`
	TrainLoss  float64 `json:"train_loss"`
	Perplexity float64 `json:"perplexity"`
}

// Metrics is the per-epoch history of a run.
type Metrics struct {
	Windows int            `json:"windows"`
	Epochs  []EpochMetrics `json:"epochs"`
}

// Metrics converts the result into a per-epoch history. Perplexity is
// exp(loss) of the final-timestep cross-entropy.
func (r Result) Metrics() Metrics {
	m := Metrics{Windows: r.Windows, Epochs: make([]EpochMetrics, 0, len(r.EpochLoss))}
	for i, loss := range r.EpochLoss {
		m.Epochs = append(m.Epochs, EpochMetrics{Epoch: i + 1, TrainLoss: loss, Perplexity: math.Exp(loss)})
	}
	return m
}

// SaveMetricsJSON writes m as indented JSON.
func SaveMetricsJSON(path string, m Metrics) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}
