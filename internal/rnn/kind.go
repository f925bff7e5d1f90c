package rnn

import (
	"fmt"
	"strings"
)

// Kind selects the recurrent cell variant.
type Kind int

const (
	// LSTM is the cell-with-memory variant: running state plus memory cell.
	LSTM Kind = iota + 1
	// GRU is the cell-without-memory variant: running state only.
	GRU
)

func (k Kind) String() string {
	switch k {
	case LSTM:
		return "lstm"
	case GRU:
		return "gru"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts "lstm" or "gru" in any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lstm":
		return LSTM, nil
	case "gru":
		return GRU, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Mode picks the batch size a fresh hidden state is sized for.
type Mode int

const (
	// ModeTrain sizes hidden state for the configured training batch.
	ModeTrain Mode = iota
	// ModeGenerate sizes hidden state for a single sequence.
	ModeGenerate
)

func (m Mode) String() string {
	if m == ModeGenerate {
		return "generate"
	}
	return "train"
}
