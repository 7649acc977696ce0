package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayusman/oaklog/internal/config"
	"github.com/ayusman/oaklog/internal/store"
)

var catalogDB string

var catalogCmd = &cobra.Command{
	Use:   "catalog [session-id]",
	Short: "List recorded sessions, or the label counts of one session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCatalog,
}

func init() {
	catalogCmd.Flags().StringVar(&catalogDB, "db", config.Default().Record.Catalog, "sqlite catalog path")
	rootCmd.AddCommand(catalogCmd)
}

func runCatalog(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(catalogDB); err != nil {
		return fmt.Errorf("open catalog %s: %w", catalogDB, err)
	}
	st, err := store.New(catalogDB)
	if err != nil {
		return fmt.Errorf("open catalog %s: %w", catalogDB, err)
	}
	defer st.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	if len(args) == 1 {
		return printSession(w, st, args[0])
	}

	sessions, err := st.Sessions().List()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions recorded")
		return nil
	}

	fmt.Fprintln(w, "ID\tNAME\tDRIVER\tFRAMES\tSTARTED\tPATH")
	for _, s := range sessions {
		frames, err := st.Frames().Count(s.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.Name, s.Driver, frames, s.StartedAt.Format(time.DateTime), s.BasePath)
	}
	return nil
}

func printSession(w *tabwriter.Writer, st *store.Store, id string) error {
	s, err := st.Sessions().GetByID(id)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	counts, err := st.Frames().LabelCounts(id)
	if err != nil {
		return err
	}
	frames, err := st.Frames().Count(id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "session\t%s\n", s.ID)
	fmt.Fprintf(w, "name\t%s\n", s.Name)
	fmt.Fprintf(w, "model\t%s\n", s.Model)
	fmt.Fprintf(w, "frames\t%d\n", frames)
	fmt.Fprintf(w, "path\t%s\n", s.BasePath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "LABEL\tDETECTIONS")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\n", c.Label, c.Count)
	}
	return nil
}
