// Package vocab maps corpus characters to stable integer indices and builds
// the one-hot encodings the recurrent model consumes.
package vocab

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorgonia.org/tensor"
)

var (
	// ErrUnknownCharacter is returned when text contains a character that was
	// not present in the corpus the vocabulary was built from.
	ErrUnknownCharacter = errors.New("unknown character")
	// ErrUnknownIndex is returned when decoding an index outside the vocabulary.
	ErrUnknownIndex = errors.New("unknown index")
	// ErrDuplicate is returned by FromChars for a repeated character.
	ErrDuplicate = errors.New("duplicate character")
)

// Vocabulary is a fixed, ordered character set. Index assignment never
// changes after construction.
type Vocabulary struct {
	toID   map[rune]int
	toChar []rune
}

// Build scans text and assigns each distinct character its rank in sorted
// order. Case folding is the caller's concern.
func Build(text string) *Vocabulary {
	seen := make(map[rune]struct{})
	for _, r := range text {
		seen[r] = struct{}{}
	}
	chars := make([]rune, 0, len(seen))
	for r := range seen {
		chars = append(chars, r)
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i] < chars[j] })

	v := &Vocabulary{toID: make(map[rune]int, len(chars)), toChar: chars}
	for i, r := range chars {
		v.toID[r] = i
	}
	return v
}

// FromChars rebuilds a vocabulary from a persisted character list, keeping the
// given order.
func FromChars(chars []rune) (*Vocabulary, error) {
	v := &Vocabulary{toID: make(map[rune]int, len(chars)), toChar: append([]rune(nil), chars...)}
	for i, r := range chars {
		if _, dup := v.toID[r]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, r)
		}
		v.toID[r] = i
	}
	return v, nil
}

// Size returns the number of characters.
func (v *Vocabulary) Size() int {
	return len(v.toChar)
}

// Chars returns a copy of the characters in index order.
func (v *Vocabulary) Chars() []rune {
	return append([]rune(nil), v.toChar...)
}

// Index returns the index of r.
func (v *Vocabulary) Index(r rune) (int, bool) {
	id, ok := v.toID[r]
	return id, ok
}

// Char returns the character at index id.
func (v *Vocabulary) Char(id int) (rune, error) {
	if id < 0 || id >= len(v.toChar) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownIndex, id)
	}
	return v.toChar[id], nil
}

// Encode converts text to indices.
func (v *Vocabulary) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	pos := 0
	for _, r := range text {
		id, ok := v.toID[r]
		if !ok {
			return nil, fmt.Errorf("%w: %q at position %d", ErrUnknownCharacter, r, pos)
		}
		ids = append(ids, id)
		pos++
	}
	return ids, nil
}

// Decode converts indices back to text.
func (v *Vocabulary) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		r, err := v.Char(id)
		if err != nil {
			return "", err
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

// Sequence encodes text of any length as a one-hot (len, Size) tensor,
// without a batch dimension.
func (v *Vocabulary) Sequence(text string) (*tensor.Dense, error) {
	ids, err := v.Encode(text)
	if err != nil {
		return nil, err
	}
	size := v.Size()
	backing := make([]float64, len(ids)*size)
	for t, id := range ids {
		backing[t*size+id] = 1
	}
	return tensor.New(tensor.WithShape(len(ids), size), tensor.WithBacking(backing)), nil
}

// OneHot encodes a batch of index windows as a (batch, steps, Size) tensor.
// All windows must have the same length.
func (v *Vocabulary) OneHot(windows [][]int) (*tensor.Dense, error) {
	if len(windows) == 0 {
		return nil, errors.New("one-hot: empty batch")
	}
	steps := len(windows[0])
	size := v.Size()
	backing := make([]float64, len(windows)*steps*size)
	for b, w := range windows {
		if len(w) != steps {
			return nil, fmt.Errorf("one-hot: window %d has length %d, want %d", b, len(w), steps)
		}
		for t, id := range w {
			if id < 0 || id >= size {
				return nil, fmt.Errorf("%w: %d", ErrUnknownIndex, id)
			}
			backing[(b*steps+t)*size+id] = 1
		}
	}
	return tensor.New(tensor.WithShape(len(windows), steps, size), tensor.WithBacking(backing)), nil
}
