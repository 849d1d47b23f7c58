package chord

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Information-dispersal parameters. A value is encoded into
// FragmentCount rows of which any ReconstructThreshold suffice to
// rebuild the padded BlockLength vector.
const (
	FragmentCount        = 14
	ReconstructThreshold = 10
	BlockLength          = 40
)

// maxCodepoint bounds the characters a block can carry. Larger values
// push the encoded products past what the float64 elimination recovers
// exactly.
const maxCodepoint = 1000

// Fragment is one erasure-coded row of a block, indexed 1..FragmentCount.
type Fragment struct {
	Index  int
	Values []float64
}

/* Function:	ParseFragment
 *
 * Description:
 *		Parse the serialized form "index:v1 v2 ... vk".
 */
func ParseFragment(serialized string) (Fragment, error) {
	idx, rest, ok := strings.Cut(strings.TrimSpace(serialized), ":")
	if !ok {
		return Fragment{}, fmt.Errorf("%w: fragment %q has no index", ErrInvalidRequest, serialized)
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 1 || index > FragmentCount {
		return Fragment{}, fmt.Errorf("%w: fragment index %q out of range", ErrInvalidRequest, idx)
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Fragment{}, fmt.Errorf("%w: fragment %d carries no values", ErrInvalidRequest, index)
	}
	values := make([]float64, len(fields))
	for i, field := range fields {
		if values[i], err = strconv.ParseFloat(field, 64); err != nil {
			return Fragment{}, fmt.Errorf("%w: fragment value %q: %v", ErrInvalidRequest, field, err)
		}
	}
	return Fragment{Index: index, Values: values}, nil
}

func (f Fragment) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(f.Index))
	sb.WriteByte(':')
	for i, v := range f.Values {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	return sb.String()
}

func (f Fragment) Equal(other Fragment) bool {
	if f.Index != other.Index || len(f.Values) != len(other.Values) {
		return false
	}
	for i, v := range f.Values {
		if v != other.Values[i] {
			return false
		}
	}
	return true
}

/* Function:	encode
 *
 * Description:
 *		Multiply the FragmentCount x ReconstructThreshold Vandermonde
 *		matrix A[i][j] = (i+1)^j with the message reshaped to
 *		ReconstructThreshold rows, yielding one row per fragment.
 */
func encode(message []float64) [][]float64 {
	cols := len(message) / ReconstructThreshold

	a := make([][]float64, FragmentCount)
	for i := range a {
		a[i] = make([]float64, ReconstructThreshold)
		for j := range a[i] {
			a[i][j] = math.Pow(float64(i+1), float64(j))
		}
	}

	c := make([][]float64, FragmentCount)
	for i := range c {
		c[i] = make([]float64, cols)
		for j := 0; j < cols; j++ {
			for k := 0; k < ReconstructThreshold; k++ {
				c[i][j] += a[i][k] * message[j*ReconstructThreshold+k]
			}
		}
	}
	return c
}

/* Function:	decode
 *
 * Description:
 *		Rebuild the original vector from ReconstructThreshold rows and
 *		their 1-based indices: invert the Vandermonde submatrix for the
 *		given indices, multiply, and round back to integers.
 */
func decode(rows [][]float64, indices []int) ([]float64, error) {
	if len(rows) < ReconstructThreshold || len(indices) < ReconstructThreshold {
		return nil, ErrInsufficientReplicas
	}

	a := make([][]float64, ReconstructThreshold)
	for i := range a {
		a[i] = make([]float64, ReconstructThreshold)
		for j := range a[i] {
			a[i][j] = math.Pow(float64(indices[i]), float64(j))
		}
	}

	ia, err := invert(a)
	if err != nil {
		return nil, err
	}

	length := ReconstructThreshold * len(rows[0])
	dm := make([]float64, length)
	for i := 0; i < length; i++ {
		for k := 0; k < ReconstructThreshold; k++ {
			dm[i] += ia[i%ReconstructThreshold][k] * rows[k][i/ReconstructThreshold]
		}
	}
	for i := range dm {
		dm[i] = math.Round(dm[i])
	}
	return dm, nil
}

// partialPivotGaussElim factorizes the matrix in place, recording the
// scaled-pivot row order in index.
func partialPivotGaussElim(matrix [][]float64, index []int) error {
	n := len(index)
	c := make([]float64, n)

	for i := 0; i < n; i++ {
		index[i] = i
	}
	for i := 0; i < n; i++ {
		var c1 float64
		for j := 0; j < n; j++ {
			if c0 := math.Abs(matrix[i][j]); c0 > c1 {
				c1 = c0
			}
		}
		if c1 == 0 {
			return ErrSingularDecode
		}
		c[i] = c1
	}

	var k int
	for j := 0; j < n-1; j++ {
		var pi1 float64
		for i := j; i < n; i++ {
			pi0 := math.Abs(matrix[index[i]][j]) / c[index[i]]
			if pi0 > pi1 {
				pi1 = pi0
				k = i
			}
		}
		index[j], index[k] = index[k], index[j]

		if matrix[index[j]][j] == 0 {
			return ErrSingularDecode
		}
		for i := j + 1; i < n; i++ {
			pj := matrix[index[i]][j] / matrix[index[j]][j]
			matrix[index[i]][j] = pj
			for l := j + 1; l < n; l++ {
				matrix[index[i]][l] -= pj * matrix[index[j]][l]
			}
		}
	}
	return nil
}

func invert(matrix [][]float64) ([][]float64, error) {
	n := len(matrix)
	x := make([][]float64, n)
	b := make([][]float64, n)
	index := make([]int, n)
	for i := range x {
		x[i] = make([]float64, n)
		b[i] = make([]float64, n)
		b[i][i] = 1
	}

	if err := partialPivotGaussElim(matrix, index); err != nil {
		return nil, err
	}

	for i := 0; i < n-1; i++ {
		for j := i + 1; j < n; j++ {
			for k := 0; k < n; k++ {
				b[index[j]][k] -= matrix[index[j]][i] * b[index[i]][k]
			}
		}
	}

	if matrix[index[n-1]][n-1] == 0 {
		return nil, ErrSingularDecode
	}
	for i := 0; i < n; i++ {
		x[n-1][i] = b[index[n-1]][i] / matrix[index[n-1]][n-1]
		for j := n - 2; j >= 0; j-- {
			x[j][i] = b[index[j]][i]
			for k := j + 1; k < n; k++ {
				x[j][i] -= matrix[index[j]][k] * x[k][i]
			}
			x[j][i] /= matrix[index[j]][j]
		}
	}
	return x, nil
}

// Block is one value's worth of dispersed data: the padded codepoint
// vector plus all FragmentCount fragments derived from it.
type Block struct {
	original  []float64
	fragments []Fragment
}

func fragsFromMatrix(matrix [][]float64) []Fragment {
	frags := make([]Fragment, len(matrix))
	for i, row := range matrix {
		frags[i] = Fragment{Index: i + 1, Values: row}
	}
	return frags
}

/* Function:	NewBlock
 *
 * Description:
 *		Encode a source text of at most BlockLength characters, each
 *		with codepoint below 1000, into a block. Always sanity-checks
 *		the codec: the first ReconstructThreshold fragments must decode
 *		back to the padded original or the creation fails.
 */
func NewBlock(text string) (*Block, error) {
	original := make([]float64, 0, BlockLength)
	for _, r := range text {
		if r >= maxCodepoint {
			return nil, fmt.Errorf("%w: codepoint %d", ErrCapacityExceeded, r)
		}
		original = append(original, float64(r))
	}
	if len(original) > BlockLength {
		return nil, fmt.Errorf("%w: %d characters", ErrCapacityExceeded, len(original))
	}
	for len(original) < BlockLength {
		original = append(original, 0)
	}

	b := &Block{original: original, fragments: fragsFromMatrix(encode(original))}

	rows := make([][]float64, ReconstructThreshold)
	indices := make([]int, ReconstructThreshold)
	for i := 0; i < ReconstructThreshold; i++ {
		rows[i] = b.fragments[i].Values
		indices[i] = i + 1
	}
	decoded, err := decode(rows, indices)
	if err != nil {
		return nil, err
	}
	for i, v := range decoded {
		if v != original[i] {
			return nil, fmt.Errorf("%w: round-trip mismatch at position %d", ErrSingularDecode, i)
		}
	}
	return b, nil
}

/* Function:	BlockFromString
 *
 * Description:
 *		Rebuild a block from its multi-line text form. Only the first
 *		ReconstructThreshold lines are consumed.
 */
func BlockFromString(encoded string) (*Block, error) {
	lines := strings.Split(strings.TrimRight(encoded, "\n"), "\n")
	if len(lines) < ReconstructThreshold {
		return nil, ErrInsufficientReplicas
	}

	frags := make([]Fragment, ReconstructThreshold)
	for i := 0; i < ReconstructThreshold; i++ {
		frag, err := ParseFragment(lines[i])
		if err != nil {
			return nil, err
		}
		frags[i] = frag
	}
	return BlockFromFragments(frags)
}

/* Function:	BlockFromFragments
 *
 * Description:
 *		Rebuild a block from at least ReconstructThreshold fragments
 *		with distinct indices. The original is decoded and then
 *		re-encoded so the block holds all FragmentCount fragments even
 *		when fewer were supplied.
 */
func BlockFromFragments(fragments []Fragment) (*Block, error) {
	if len(fragments) < ReconstructThreshold {
		return nil, ErrInsufficientReplicas
	}

	rows := make([][]float64, ReconstructThreshold)
	indices := make([]int, ReconstructThreshold)
	for i := 0; i < ReconstructThreshold; i++ {
		if len(fragments[i].Values) != len(fragments[0].Values) {
			return nil, fmt.Errorf("%w: fragment %d is ragged", ErrInvalidRequest, fragments[i].Index)
		}
		rows[i] = fragments[i].Values
		indices[i] = fragments[i].Index
	}
	original, err := decode(rows, indices)
	if err != nil {
		return nil, err
	}
	return &Block{original: original, fragments: fragsFromMatrix(encode(original))}, nil
}

// Fragments returns all FragmentCount fragments of the block.
func (b *Block) Fragments() []Fragment {
	return b.fragments
}

// Decode recovers the source text, dropping the zero padding.
func (b *Block) Decode() string {
	var sb strings.Builder
	for _, code := range b.original {
		if code == 0 {
			break
		}
		sb.WriteRune(rune(code))
	}
	return sb.String()
}

// String serializes the block as one fragment per line.
func (b *Block) String() string {
	lines := make([]string, len(b.fragments))
	for i, frag := range b.fragments {
		lines[i] = frag.String()
	}
	return strings.Join(lines, "\n")
}

func (b *Block) Equal(other *Block) bool {
	if len(b.original) != len(other.original) {
		return false
	}
	for i, v := range b.original {
		if v != other.original[i] {
			return false
		}
	}
	return true
}
