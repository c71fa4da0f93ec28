package merkle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/kysee/velo-zk/utils"
)

const MaxDepth = 32

var (
	ErrTreeFull       = errors.New("merkle tree is full")
	ErrLeafNotFound   = errors.New("leaf index out of range")
	ErrDuplicateLeaf  = errors.New("leaf already appended")
	ErrPathLength     = errors.New("path elements and indices differ in length")
	ErrInvalidPathBit = errors.New("path index must be 0 or 1")
)

// Path is an inclusion path read from one snapshot of the accumulator.
type Path struct {
	LeafIndex uint32
	Elements  []fr.Element
	Indices   []uint8
	Root      fr.Element
	NextIndex uint32
}

// Snapshot is a consistent (root, nextIndex) pair.
type Snapshot struct {
	Root      fr.Element
	NextIndex uint32
}

// Accumulator is an append-only fixed-depth MiMC Merkle tree.
// It has a single writer; readers get consistent snapshots.
type Accumulator struct {
	mu     sync.RWMutex
	depth  int
	zeros  []fr.Element
	layers [][]fr.Element
	index  map[[32]byte]uint32
}

func New(depth int) (*Accumulator, error) {
	if depth <= 0 || depth > MaxDepth {
		return nil, fmt.Errorf("invalid tree depth %d", depth)
	}
	return &Accumulator{
		depth:  depth,
		zeros:  ZeroHashes(depth),
		layers: make([][]fr.Element, depth+1),
		index:  make(map[[32]byte]uint32),
	}, nil
}

// ZeroHashes returns the roots of empty subtrees: z[0] = 0, z[i+1] = H(z[i], z[i]).
func ZeroHashes(depth int) []fr.Element {
	zeros := make([]fr.Element, depth+1)
	for i := 1; i <= depth; i++ {
		zeros[i] = utils.Hash2(zeros[i-1], zeros[i-1])
	}
	return zeros
}

func (acc *Accumulator) Depth() int {
	return acc.depth
}

func (acc *Accumulator) Capacity() uint64 {
	return uint64(1) << uint(acc.depth)
}

// Append adds leaf at the next index and returns that index.
func (acc *Accumulator) Append(leaf fr.Element) (uint32, error) {
	acc.mu.Lock()
	defer acc.mu.Unlock()

	key := leaf.Bytes()
	if _, ok := acc.index[key]; ok {
		return 0, ErrDuplicateLeaf
	}

	idx := uint64(len(acc.layers[0]))
	if idx >= acc.Capacity() {
		return 0, ErrTreeFull
	}

	acc.layers[0] = append(acc.layers[0], leaf)
	cur := leaf
	pos := idx
	for level := 0; level < acc.depth; level++ {
		var left, right fr.Element
		if pos%2 == 0 {
			left, right = cur, acc.zeros[level]
		} else {
			left, right = acc.layers[level][pos-1], cur
		}
		cur = utils.Hash2(left, right)
		pos /= 2

		parent := acc.layers[level+1]
		if uint64(len(parent)) == pos {
			acc.layers[level+1] = append(parent, cur)
		} else {
			parent[pos] = cur
		}
	}

	acc.index[key] = uint32(idx)
	return uint32(idx), nil
}

func (acc *Accumulator) rootLocked() fr.Element {
	if top := acc.layers[acc.depth]; len(top) > 0 {
		return top[0]
	}
	return acc.zeros[acc.depth]
}

func (acc *Accumulator) Root() fr.Element {
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return acc.rootLocked()
}

func (acc *Accumulator) NextIndex() uint32 {
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return uint32(len(acc.layers[0]))
}

func (acc *Accumulator) Snapshot() Snapshot {
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return Snapshot{Root: acc.rootLocked(), NextIndex: uint32(len(acc.layers[0]))}
}

// IndexOf returns the position of leaf, if it was appended.
func (acc *Accumulator) IndexOf(leaf fr.Element) (uint32, bool) {
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	idx, ok := acc.index[leaf.Bytes()]
	return idx, ok
}

func (acc *Accumulator) Leaf(leafIndex uint32) (fr.Element, error) {
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	if int(leafIndex) >= len(acc.layers[0]) {
		return fr.Element{}, ErrLeafNotFound
	}
	return acc.layers[0][leafIndex], nil
}

// PathFor returns the siblings and direction bits for leafIndex, read atomically with the root.
func (acc *Accumulator) PathFor(leafIndex uint32) (*Path, error) {
	acc.mu.RLock()
	defer acc.mu.RUnlock()

	if int(leafIndex) >= len(acc.layers[0]) {
		return nil, ErrLeafNotFound
	}

	path := &Path{
		LeafIndex: leafIndex,
		Elements:  make([]fr.Element, acc.depth),
		Indices:   make([]uint8, acc.depth),
		Root:      acc.rootLocked(),
		NextIndex: uint32(len(acc.layers[0])),
	}
	pos := uint64(leafIndex)
	for level := 0; level < acc.depth; level++ {
		sibling := pos ^ 1
		if sibling < uint64(len(acc.layers[level])) {
			path.Elements[level] = acc.layers[level][sibling]
		} else {
			path.Elements[level] = acc.zeros[level]
		}
		path.Indices[level] = uint8(pos & 1)
		pos /= 2
	}
	return path, nil
}

// ComputeRoot replays a path the same way the withdraw circuit does:
// index 0 means the running value is the left child.
func ComputeRoot(leaf fr.Element, elements []fr.Element, indices []uint8) (fr.Element, error) {
	if len(elements) != len(indices) {
		return fr.Element{}, ErrPathLength
	}
	cur := leaf
	for i := range elements {
		switch indices[i] {
		case 0:
			cur = utils.Hash2(cur, elements[i])
		case 1:
			cur = utils.Hash2(elements[i], cur)
		default:
			return fr.Element{}, ErrInvalidPathBit
		}
	}
	return cur, nil
}

// Verify checks that leaf with path hashes up to root.
func Verify(leaf fr.Element, p *Path, root fr.Element) bool {
	computed, err := ComputeRoot(leaf, p.Elements, p.Indices)
	if err != nil {
		return false
	}
	return computed.Equal(&root)
}
