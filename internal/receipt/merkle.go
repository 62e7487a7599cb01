package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/swarmos/swarmos/internal/domain"
)

// ProofStep is one sibling on the path from a leaf to the root. Position
// says which side the sibling occupies when hashing upward.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"` // left | right
}

// Tree is a binary Merkle tree over an epoch's completed jobs. Jobs are
// sorted by id before hashing so the root is deterministic regardless of
// insertion order. Odd levels duplicate their last node.
type Tree struct {
	jobs   []domain.Job
	levels [][][32]byte
	index  map[string]int // job id -> leaf index
}

// NewTree builds the full tree, keeping every level for proof generation.
func NewTree(jobs []domain.Job) (*Tree, error) {
	sorted := make([]domain.Job, len(jobs))
	copy(sorted, jobs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	t := &Tree{jobs: sorted, index: make(map[string]int, len(sorted))}
	leaves := make([][32]byte, 0, len(sorted))
	for i, j := range sorted {
		h, err := LeafHash(j)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, h)
		t.index[j.ID] = i
	}
	t.levels = append(t.levels, leaves)

	for level := leaves; len(level) > 1; {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left // odd count: duplicate the last node
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the hex-encoded Merkle root. The empty tree hashes empty
// input.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		empty := sha256.Sum256(nil)
		return hex.EncodeToString(empty[:])
	}
	return hex.EncodeToString(top[0][:])
}

// Len reports the number of leaves.
func (t *Tree) Len() int { return len(t.jobs) }

// Jobs returns the sorted leaf jobs, the exact vector persisted in the
// epoch bundle.
func (t *Tree) Jobs() []domain.Job { return t.jobs }

// LeafHashHex returns the hex leaf hash for a job id.
func (t *Tree) LeafHashHex(jobID string) (string, error) {
	i, ok := t.index[jobID]
	if !ok {
		return "", fmt.Errorf("op=receipt.leaf job=%s: %w", jobID, domain.ErrNotFound)
	}
	h := t.levels[0][i]
	return hex.EncodeToString(h[:]), nil
}

// Proof produces the inclusion proof for a job, walking bottom-up with the
// same odd-duplication policy used in construction.
func (t *Tree) Proof(jobID string) ([]ProofStep, error) {
	i, ok := t.index[jobID]
	if !ok {
		return nil, fmt.Errorf("op=receipt.proof job=%s: %w", jobID, domain.ErrNotFound)
	}
	proof := []ProofStep{}
	for _, level := range t.levels[:len(t.levels)-1] {
		var sibling [32]byte
		var position string
		if i%2 == 0 {
			position = "right"
			if i+1 < len(level) {
				sibling = level[i+1]
			} else {
				sibling = level[i]
			}
		} else {
			position = "left"
			sibling = level[i-1]
		}
		proof = append(proof, ProofStep{Hash: hex.EncodeToString(sibling[:]), Position: position})
		i /= 2
	}
	return proof, nil
}

// Verify folds a leaf hash through a proof and accepts iff the result
// equals the expected root. All inputs are lowercase unprefixed hex.
func Verify(leafHash string, proof []ProofStep, expectedRoot string) bool {
	current, err := hex.DecodeString(leafHash)
	if err != nil || len(current) != sha256.Size {
		return false
	}
	for _, step := range proof {
		sibling, err := hex.DecodeString(step.Hash)
		if err != nil || len(sibling) != sha256.Size {
			return false
		}
		var h [32]byte
		switch step.Position {
		case "left":
			h = sha256.Sum256(append(sibling, current...))
		case "right":
			h = sha256.Sum256(append(current, sibling...))
		default:
			return false
		}
		current = h[:]
	}
	return hex.EncodeToString(current) == expectedRoot
}

func hashPair(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 2*sha256.Size)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}
