package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/lazypower/fdleak/pkg/leak"
	"github.com/spf13/cobra"
)

var (
	bold   = color.New(color.Bold)
	faint  = color.New(color.Faint)
	yellow = color.New(color.FgYellow)
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List promoted records",
	Args:  cobra.NoArgs,
	RunE:  runLs,
}

func runLs(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.List()
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	printRecords(cmd.OutOrStdout(), records, time.Now())
	return nil
}

func printRecords(w io.Writer, records []leak.Record, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No records.")
		return
	}
	for _, rec := range records {
		bold.Fprintf(w, "%s", rec.ID)
		faint.Fprintf(w, "  %s\n", humanize.RelTime(rec.CreatedAt, now, "ago", "from now"))
		fmt.Fprintf(w, "  %s\n", rec.Identifier)
	}
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a record and its stack",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.Get(args[0])
	if err != nil {
		return fmt.Errorf("get record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("no record %q", args[0])
	}
	printRecord(cmd.OutOrStdout(), *rec, time.Now())
	return nil
}

func printRecord(w io.Writer, rec leak.Record, now time.Time) {
	bold.Fprintf(w, "%s\n", rec.ID)
	fmt.Fprintf(w, "created:    %s (%s)\n",
		rec.CreatedAt.Format(time.DateTime), humanize.RelTime(rec.CreatedAt, now, "ago", "from now"))
	fmt.Fprintf(w, "identifier: ")
	yellow.Fprintf(w, "%s\n", rec.Identifier)
	fmt.Fprintln(w, "stack:")
	for _, frame := range rec.Stack {
		fmt.Fprintf(w, "  %s\n", frame)
	}
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete records",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

func runRm(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var result *multierror.Error
	for _, id := range args {
		deleted, err := st.Delete(id)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		if !deleted {
			faint.Fprintf(cmd.ErrOrStderr(), "%s: no such record\n", id)
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return result.ErrorOrNil()
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete every record",
	Long:  "Delete every record in the store. A running tracker does not recreate records for handles it already promoted.",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.Prune()
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", plural(n, "record"))
	return nil
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}
