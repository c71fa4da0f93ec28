package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/kysee/velo-zk/zk-mixer/wallet"
	"github.com/spf13/cobra"
)

func NoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Create, inspect and keep deposit notes",
	}
	cmd.PersistentFlags().String("notes", "", "notes file (default split.notes_file)")

	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a note for a deposit",
		Args:  cobra.NoArgs,
		RunE:  noteNew,
	}
	newCmd.Flags().StringP("pool", "p", "1", "denomination in SOL")
	newCmd.Flags().Bool("keep", false, "add the note to the notes file")

	cmd.AddCommand(
		newCmd,
		&cobra.Command{
			Use:   "inspect <backup>",
			Short: "Decode a note backup",
			Args:  cobra.ExactArgs(1),
			RunE:  noteInspect,
		},
		&cobra.Command{
			Use:   "import <backup>...",
			Short: "Add note backups to the notes file",
			Args:  cobra.MinimumNArgs(1),
			RunE:  noteImport,
		},
		&cobra.Command{
			Use:   "export",
			Short: "Print the backups of every unused note",
			Args:  cobra.NoArgs,
			RunE:  noteExport,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List kept notes",
			Args:  cobra.NoArgs,
			RunE:  noteList,
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Refresh leaf indices and spent flags from the devnet ledger",
			Args:  cobra.NoArgs,
			RunE:  noteSync,
		},
	)
	return cmd
}

func notesPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("notes"); p != "" {
		return p
	}
	return rt.cfg.Split.NotesFile
}

func noteNew(cmd *cobra.Command, _ []string) error {
	s, _ := cmd.Flags().GetString("pool")
	denom, err := pool.ParseSol(s)
	if err != nil {
		return err
	}
	note, err := types.GenerateNote(denom)
	if err != nil {
		return err
	}

	if keep, _ := cmd.Flags().GetBool("keep"); keep {
		k, err := wallet.Load(notesPath(cmd))
		if err != nil {
			return err
		}
		if err := k.Add(note); err != nil {
			return err
		}
		if err := k.Save(notesPath(cmd)); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "commitment: %s\n", note.Commitment())
	fmt.Fprintf(cmd.OutOrStdout(), "backup:     %s\n", note.Backup())
	return nil
}

type noteView struct {
	Denomination  string               `json:"denomination"`
	Commitment    types.NoteCommitment `json:"commitment"`
	NullifierHash types.NullifierHash  `json:"nullifierHash"`
	Deposited     bool                 `json:"deposited"`
	LeafIndex     uint32               `json:"leafIndex"`
	Used          bool                 `json:"used"`
}

func viewNote(n *types.Note) *noteView {
	return &noteView{
		Denomination:  pool.FormatSol(n.Denomination),
		Commitment:    n.Commitment(),
		NullifierHash: n.NullifierHash(),
		Deposited:     n.Deposited,
		LeafIndex:     n.LeafIndex,
		Used:          n.Used,
	}
}

func noteInspect(cmd *cobra.Command, args []string) error {
	note, err := types.ParseNoteBackup(args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, viewNote(note))
}

func noteImport(cmd *cobra.Command, args []string) error {
	k, err := wallet.Load(notesPath(cmd))
	if err != nil {
		return err
	}
	for _, b := range args {
		note, err := k.Import(b)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s SOL note %s\n", pool.FormatSol(note.Denomination), note.Commitment())
	}
	return k.Save(notesPath(cmd))
}

func noteExport(cmd *cobra.Command, _ []string) error {
	k, err := wallet.Load(notesPath(cmd))
	if err != nil {
		return err
	}
	for _, b := range k.Export() {
		fmt.Fprintln(cmd.OutOrStdout(), b)
	}
	return nil
}

func noteList(cmd *cobra.Command, _ []string) error {
	k, err := wallet.Load(notesPath(cmd))
	if err != nil {
		return err
	}
	denoms, err := pool.Parse(rt.cfg.Relayer.Pools)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POOL\tLEAF\tSTATE\tCOMMITMENT")
	for _, d := range denoms {
		for _, n := range k.Notes(d) {
			leaf, state := "-", "pending"
			if n.Deposited {
				leaf, state = fmt.Sprint(n.LeafIndex), "unused"
			}
			if n.Used {
				state = "used"
			} else if k.IsUnconfirmed(n.Commitment()) {
				state = "unconfirmed"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", pool.FormatSol(d), leaf, state, n.Commitment())
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "spendable: %s SOL in %d notes\n", pool.FormatSol(k.Balance()), k.Len())
	return nil
}

func noteSync(cmd *cobra.Command, _ []string) error {
	k, err := wallet.Load(notesPath(cmd))
	if err != nil {
		return err
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	changed, err := k.Sync(cmd.Context(), l)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d notes updated\n", changed)
	return k.Save(notesPath(cmd))
}
