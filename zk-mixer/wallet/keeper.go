package wallet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/splitter"
	"github.com/kysee/velo-zk/zk-mixer/types"
)

var (
	ErrDuplicateNote  = errors.New("note already kept")
	ErrNoUnusedNote   = errors.New("no unused note of that denomination")
	ErrNotesShortfall = errors.New("not enough unused notes for the plan")
)

const (
	usedMarker        = "used"
	unconfirmedMarker = "unconfirmed"
)

// Outcome is what a caller learned about a note it took.
type Outcome int

const (
	// NotSpent returns the note to the unused set.
	NotSpent Outcome = iota
	Spent
	// Unconfirmed keeps the note out of circulation until Sync reads its
	// spent status from the ledger.
	Unconfirmed
)

// LedgerReader is what Sync needs from a ledger.
type LedgerReader interface {
	types.AccumulatorReader
	types.SpendChecker
}

// Keeper holds a depositor's notes grouped by denomination. A note handed out
// by Take is reserved until its release func runs.
type Keeper struct {
	mu          sync.Mutex
	notes       map[uint64][]*types.Note
	known       map[types.NoteCommitment]*types.Note
	reserved    map[types.NoteCommitment]bool
	unconfirmed map[types.NoteCommitment]bool
}

func NewKeeper() *Keeper {
	return &Keeper{
		notes:       make(map[uint64][]*types.Note),
		known:       make(map[types.NoteCommitment]*types.Note),
		reserved:    make(map[types.NoteCommitment]bool),
		unconfirmed: make(map[types.NoteCommitment]bool),
	}
}

func (k *Keeper) Add(note *types.Note) error {
	if err := note.Validate(); err != nil {
		return err
	}
	c := note.Commitment()

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.known[c]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNote, c)
	}
	k.known[c] = note
	k.notes[note.Denomination] = append(k.notes[note.Denomination], note)
	return nil
}

// Import parses a backup string and keeps the note.
func (k *Keeper) Import(backup string) (*types.Note, error) {
	note, err := types.ParseNoteBackup(backup)
	if err != nil {
		return nil, err
	}
	if err := k.Add(note); err != nil {
		return nil, err
	}
	return note, nil
}

// Export returns the backups of every unused note, largest denomination first.
func (k *Keeper) Export() []string {
	var out []string
	for _, n := range k.all() {
		if !n.Used {
			out = append(out, n.Backup())
		}
	}
	return out
}

func (k *Keeper) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.known)
}

// Notes returns the kept notes of one denomination, used ones included.
func (k *Keeper) Notes(denomination uint64) []*types.Note {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*types.Note(nil), k.notes[denomination]...)
}

func (k *Keeper) Unused(denomination uint64) []*types.Note {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.unusedLocked(denomination)
}

func (k *Keeper) unusedLocked(denomination uint64) []*types.Note {
	var out []*types.Note
	for _, n := range k.notes[denomination] {
		c := n.Commitment()
		if !n.Used && n.Deposited && !k.reserved[c] && !k.unconfirmed[c] {
			out = append(out, n)
		}
	}
	return out
}

// Balance sums the unused deposited notes in lamports.
func (k *Keeper) Balance() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	var total uint64
	for d := range k.notes {
		total += d * uint64(len(k.unusedLocked(d)))
	}
	return total
}

// Covers reports whether every part of the plan has an unused note to spend.
func (k *Keeper) Covers(plan *splitter.SplitPlan) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	want := plan.Count()
	denoms := make([]uint64, 0, len(want))
	for d := range want {
		denoms = append(denoms, d)
	}
	sort.Slice(denoms, func(i, j int) bool { return denoms[i] > denoms[j] })

	for _, d := range denoms {
		if have := len(k.unusedLocked(d)); have < want[d] {
			return fmt.Errorf("%w: %s SOL needs %d, have %d", ErrNotesShortfall, pool.FormatSol(d), want[d], have)
		}
	}
	return nil
}

// IsUnconfirmed reports whether a spend of the note may have landed without
// the keeper knowing.
func (k *Keeper) IsUnconfirmed(c types.NoteCommitment) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.unconfirmed[c]
}

// Take reserves the oldest unused note of the denomination. The caller must
// call release with what it knows about the spend.
func (k *Keeper) Take(denomination uint64) (*types.Note, func(Outcome), error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	unused := k.unusedLocked(denomination)
	if len(unused) == 0 {
		return nil, nil, fmt.Errorf("%w: %s SOL", ErrNoUnusedNote, pool.FormatSol(denomination))
	}
	note := unused[0]
	c := note.Commitment()
	k.reserved[c] = true

	var once sync.Once
	release := func(o Outcome) {
		once.Do(func() {
			k.mu.Lock()
			defer k.mu.Unlock()
			delete(k.reserved, c)
			switch o {
			case Spent:
				note.MarkUsed()
			case Unconfirmed:
				k.unconfirmed[c] = true
			}
		})
	}
	return note, release, nil
}

// MarkUsed flags the note with the given commitment as spent.
func (k *Keeper) MarkUsed(c types.NoteCommitment) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	n, ok := k.known[c]
	if !ok {
		return false
	}
	return n.MarkUsed()
}

// Sync refreshes deposit positions and spent flags from the ledger. An
// unconfirmed note the ledger has not seen spent becomes unused again. It
// returns how many notes changed.
func (k *Keeper) Sync(ctx context.Context, ledger LedgerReader) (int, error) {
	changed := 0
	for _, n := range k.all() {
		if n.Used {
			continue
		}
		if !n.Deposited {
			idx, ok, err := ledger.LeafIndex(ctx, n.Denomination, n.Commitment())
			if err != nil {
				return changed, err
			}
			if !ok {
				continue
			}
			k.mu.Lock()
			n.SetDeposited(idx)
			k.mu.Unlock()
			changed++
		}
		spent, err := ledger.IsSpent(ctx, n.Denomination, n.NullifierHash())
		if err != nil {
			return changed, err
		}
		k.mu.Lock()
		c := n.Commitment()
		if spent {
			n.MarkUsed()
		}
		if spent || k.unconfirmed[c] {
			delete(k.unconfirmed, c)
			changed++
		}
		k.mu.Unlock()
	}
	return changed, nil
}

func (k *Keeper) all() []*types.Note {
	k.mu.Lock()
	defer k.mu.Unlock()
	denoms := make([]uint64, 0, len(k.notes))
	for d := range k.notes {
		denoms = append(denoms, d)
	}
	sort.Slice(denoms, func(i, j int) bool { return denoms[i] > denoms[j] })

	var out []*types.Note
	for _, d := range denoms {
		out = append(out, k.notes[d]...)
	}
	return out
}

// Save writes one backup per line. Spent and unconfirmed notes carry a
// trailing marker so a reload does not offer them again.
func (k *Keeper) Save(path string) error {
	var sb strings.Builder
	for _, n := range k.all() {
		sb.WriteString(n.Backup())
		if n.Used {
			sb.WriteString(" " + usedMarker)
		} else if k.IsUnconfirmed(n.Commitment()) {
			sb.WriteString(" " + unconfirmedMarker)
		}
		sb.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a file written by Save. A missing file is an empty keeper.
func Load(path string) (*Keeper, error) {
	k := NewKeeper()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return k, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		note, err := k.Import(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if len(fields) < 2 {
			continue
		}
		switch fields[1] {
		case usedMarker:
			note.MarkUsed()
		case unconfirmedMarker:
			k.unconfirmed[note.Commitment()] = true
		default:
			return nil, fmt.Errorf("%s:%d: unknown marker %q", path, line, fields[1])
		}
	}
	return k, sc.Err()
}
