package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"charparrot/internal/batcher"
	"charparrot/internal/optim"
	"charparrot/internal/rnn"
	"charparrot/internal/train"
	"charparrot/internal/vocab"
)

const corpus = "the quick brown fox jumps over the lazy dog. "

func newModel(t *testing.T, kind rnn.Kind, voc *vocab.Vocabulary, seed int64) *rnn.Network {
	t.Helper()
	m, err := rnn.New(rnn.Context{Rand: rand.New(rand.NewSource(seed))}, kind, rnn.Config{
		Input: voc.Size(), Output: voc.Size(), Hidden: 8, Layers: 2, Batch: 2, Dropout: 0.1,
	})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// trained returns a model and solver that have taken a few steps.
func trained(t *testing.T, kind rnn.Kind) (*rnn.Network, *optim.RMSProp, *vocab.Vocabulary) {
	t.Helper()
	text := strings.Repeat(corpus, 3)
	voc := vocab.Build(text)
	ids, err := voc.Encode(text)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stream, err := batcher.New(ids, 5, 2)
	if err != nil {
		t.Fatalf("batcher: %v", err)
	}
	m := newModel(t, kind, voc, 1)
	solver := optim.NewRMSProp(0.01)
	tr, err := train.New(m, stream, voc, solver, train.Options{})
	if err != nil {
		t.Fatalf("trainer: %v", err)
	}
	if _, err := tr.Train(context.Background(), 1); err != nil {
		t.Fatalf("train: %v", err)
	}
	return m, solver, voc
}

func TestRoundTripIsBitIdentical(t *testing.T) {
	for _, kind := range []rnn.Kind{rnn.LSTM, rnn.GRU} {
		m, solver, voc := trained(t, kind)
		path := filepath.Join(t.TempDir(), "ckpt", kind.String()+".gob")
		if err := Save(path, m, solver, voc); err != nil {
			t.Fatalf("%v save: %v", kind, err)
		}

		fresh := newModel(t, kind, voc, 99)
		freshSolver := optim.NewRMSProp(0.5)
		if err := Load(path, fresh, freshSolver, voc); err != nil {
			t.Fatalf("%v load: %v", kind, err)
		}
		for i, p := range m.Params() {
			a := p.Value.Data().([]float64)
			b := fresh.Params()[i].Value.Data().([]float64)
			for j := range a {
				if a[j] != b[j] {
					t.Fatalf("%v param %s[%d]: %v != %v", kind, p.Name, j, a[j], b[j])
				}
			}
		}
		want, got := solver.State(), freshSolver.State()
		if got.LearnRate != want.LearnRate || got.Steps != want.Steps || len(got.Square) != len(want.Square) {
			t.Fatalf("%v solver state not restored: %+v", kind, got.Steps)
		}
		for i := range want.Square {
			for j := range want.Square[i] {
				if got.Square[i][j] != want.Square[i][j] {
					t.Fatalf("%v accumulator %d[%d] differs", kind, i, j)
				}
			}
		}

		x, err := voc.Sequence("the ")
		if err != nil {
			t.Fatalf("sequence: %v", err)
		}
		if err := x.Reshape(1, 4, voc.Size()); err != nil {
			t.Fatalf("reshape: %v", err)
		}
		pa, err := m.Forward(m.SetMode(rnn.ModeGenerate), x)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		pb, err := fresh.Forward(fresh.SetMode(rnn.ModeGenerate), x)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		la, lb := pa.Last(0), pb.Last(0)
		for j := range la {
			if la[j] != lb[j] {
				t.Fatalf("%v logits differ after reload: %v vs %v", kind, la, lb)
			}
		}
	}
}

func TestManifest(t *testing.T) {
	m, solver, voc := trained(t, rnn.GRU)
	path := filepath.Join(t.TempDir(), "model.gob")
	if err := Save(path, m, solver, voc); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(ManifestPath(path))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var man Manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if man.Kind != "gru" || man.VocabSize != voc.Size() || man.Layers != 2 || man.SolverSteps != solver.Steps() {
		t.Fatalf("unexpected manifest %+v", man)
	}
	if man.Params == 0 {
		t.Fatalf("manifest counts no parameters")
	}
}

func TestLoadMissing(t *testing.T) {
	voc := vocab.Build(corpus)
	m := newModel(t, rnn.GRU, voc, 1)
	err := Load(filepath.Join(t.TempDir(), "absent.gob"), m, nil, voc)
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expect ErrNotFound wrapping fs.ErrNotExist, got %v", err)
	}
}

func TestLoadMismatch(t *testing.T) {
	m, solver, voc := trained(t, rnn.LSTM)
	path := filepath.Join(t.TempDir(), "model.gob")
	if err := Save(path, m, solver, voc); err != nil {
		t.Fatalf("save: %v", err)
	}

	other := newModel(t, rnn.GRU, voc, 1)
	if err := Load(path, other, nil, voc); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expect ErrMismatch for kind, got %v", err)
	}

	bigger, err := rnn.New(rnn.Context{Rand: rand.New(rand.NewSource(1))}, rnn.LSTM, rnn.Config{
		Input: voc.Size(), Output: voc.Size(), Hidden: 9, Layers: 2, Batch: 2,
	})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	defer bigger.Close()
	if err := Load(path, bigger, nil, voc); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expect ErrMismatch for shape, got %v", err)
	}

	// same size, different characters
	chars := voc.Chars()
	chars[len(chars)-1] = '~'
	shifted, err := vocab.FromChars(chars)
	if err != nil {
		t.Fatalf("vocab: %v", err)
	}
	target := newModel(t, rnn.LSTM, shifted, 5)
	before := append([]float64(nil), target.Params()[0].Value.Data().([]float64)...)
	if err := Load(path, target, nil, shifted); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expect ErrMismatch for vocabulary, got %v", err)
	}
	after := target.Params()[0].Value.Data().([]float64)
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("failed load modified parameters")
		}
	}
}

func TestLoadWithoutSolverState(t *testing.T) {
	voc := vocab.Build(corpus)
	m := newModel(t, rnn.GRU, voc, 3)
	path := filepath.Join(t.TempDir(), "fresh.gob")
	if err := Save(path, m, nil, voc); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Solver != nil {
		t.Fatalf("unexpected solver state")
	}
	solver := optim.NewRMSProp(0.02)
	if err := snap.Apply(newModel(t, rnn.GRU, voc, 4), solver, voc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if solver.LearnRate() != 0.02 || solver.Steps() != 0 {
		t.Fatalf("solver changed without saved state")
	}
}
