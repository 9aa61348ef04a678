package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tasklane/tasklane/internal/conflict"
	"github.com/tasklane/tasklane/internal/schema"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts, most severe first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := openConflictSource(cmd.Context())
		if err != nil {
			return err
		}
		defer src.Close()

		conflicts, err := src.Conflicts(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(conflicts)
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", renderPass("✓"))
			return nil
		}
		rows := make([][]string, 0, len(conflicts))
		for _, c := range conflicts {
			rows = append(rows, []string{
				shortID(c.ID),
				severityBadge(conflict.ClassifySeverity(c)),
				conflict.Summarize(c),
			})
		}
		fmt.Println(table([]string{"ID", "SEVERITY", "SUMMARY"}, rows))
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func severityBadge(sev conflict.Severity) string {
	switch sev {
	case conflict.SeverityHigh:
		return renderFail(string(sev))
	case conflict.SeverityMedium:
		return renderWarn(string(sev))
	default:
		return renderMuted(string(sev))
	}
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the base, local and remote value of each conflicting field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := openConflictSource(cmd.Context())
		if err != nil {
			return err
		}
		defer src.Close()

		c, err := findConflict(cmd.Context(), src, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(c)
		}
		fmt.Printf("\n%s %s\n", renderAccent("⚡"), conflict.Summarize(c))
		fmt.Printf("   %s  detected %s\n\n", renderMuted(c.ID), c.Timestamp.Local().Format("2006-01-02 15:04:05"))
		rows, err := fieldRows(c)
		if err != nil {
			return err
		}
		fmt.Println(table([]string{"FIELD", "BASE", "LOCAL", "REMOTE"}, rows))
		fmt.Println()
		return nil
	},
}

// findConflict accepts a full id or a unique prefix, as printed by list.
func findConflict(ctx context.Context, src conflictSource, id string) (*schema.Conflict, error) {
	conflicts, err := src.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	var match *schema.Conflict
	for _, c := range conflicts {
		if c.ID == id {
			return c, nil
		}
		if strings.HasPrefix(c.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("conflict id %q is ambiguous", id)
			}
			match = c
		}
	}
	if match == nil {
		return nil, fmt.Errorf("conflict %q not found", id)
	}
	return match, nil
}

// fieldRows renders the conflicting fields of c.
func fieldRows(c *schema.Conflict) ([][]string, error) {
	values := func(e *schema.Entity) (map[string]json.RawMessage, error) {
		if e == nil || e.Payload == nil {
			return nil, nil
		}
		return schema.Fields(e.Payload)
	}
	base, err := values(c.Base)
	if err != nil {
		return nil, err
	}
	local, err := values(c.Local)
	if err != nil {
		return nil, err
	}
	remote, err := values(c.Remote)
	if err != nil {
		return nil, err
	}

	show := func(e *schema.Entity, fields map[string]json.RawMessage, name string) string {
		if name == schema.DeletedField {
			if e != nil && e.IsDeleted {
				return renderFail("deleted")
			}
			return "kept"
		}
		if fields == nil {
			return renderMuted("-")
		}
		if v, ok := fields[name]; ok {
			return string(v)
		}
		return renderMuted("null")
	}

	fields := append([]string(nil), c.Fields...)
	sort.Strings(fields)
	rows := make([][]string, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, []string{f, show(c.Base, base, f), show(c.Local, local, f), show(c.Remote, remote, f)})
	}
	return rows, nil
}

var (
	resolveKeep   string
	resolveFields map[string]string
)

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict by keeping one side or choosing per field.

  tl conflicts resolve 3f2a --keep local
  tl conflicts resolve 3f2a --field title=local --field status=remote

Fields not named with --field take the remote value. Without flags on a
terminal, tl asks interactively.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := openConflictSource(cmd.Context())
		if err != nil {
			return err
		}
		defer src.Close()

		c, err := findConflict(cmd.Context(), src, args[0])
		if err != nil {
			return err
		}

		strategy, err := strategyFromFlags(resolveKeep, resolveFields)
		if err != nil {
			return err
		}
		if strategy == nil {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("pass --keep or --field when not running on a terminal")
			}
			if strategy, err = promptStrategy(c); err != nil {
				return err
			}
		}

		if err := src.ResolveConflict(cmd.Context(), c.ID, *strategy); err != nil {
			return err
		}
		fmt.Printf("%s Resolved %s\n", renderPass("✓"), c.Key())
		return nil
	},
}

// strategyFromFlags returns nil when no flag was given.
func strategyFromFlags(keep string, fields map[string]string) (*conflict.Strategy, error) {
	switch {
	case keep != "" && len(fields) > 0:
		return nil, fmt.Errorf("--keep and --field are mutually exclusive")
	case keep != "":
		st := conflict.Strategy{Strategy: conflict.UserChoice, UserChoice: conflict.Side(keep)}
		return &st, st.Validate()
	case len(fields) > 0:
		st := conflict.Strategy{Strategy: conflict.Merge, FieldResolutions: make(map[string]conflict.Side, len(fields))}
		for f, side := range fields {
			st.FieldResolutions[f] = conflict.Side(side)
		}
		return &st, st.Validate()
	default:
		return nil, nil
	}
}

func promptStrategy(c *schema.Conflict) (*conflict.Strategy, error) {
	var choice string
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(conflict.Summarize(c)).
			Options(
				huh.NewOption("Keep my version", string(conflict.Local)),
				huh.NewOption("Keep the server version", string(conflict.Remote)),
				huh.NewOption("Choose per field", string(conflict.Merge)),
			).
			Value(&choice),
	)).Run()
	if err != nil {
		return nil, err
	}
	if choice != string(conflict.Merge) {
		return &conflict.Strategy{Strategy: conflict.UserChoice, UserChoice: conflict.Side(choice)}, nil
	}

	rows, err := fieldRows(c)
	if err != nil {
		return nil, err
	}
	picks := make([]string, len(rows))
	fields := make([]huh.Field, 0, len(rows))
	for i, row := range rows {
		picks[i] = string(conflict.Remote)
		fields = append(fields, huh.NewSelect[string]().
			Title(row[0]).
			Options(
				huh.NewOption("local: "+row[2], string(conflict.Local)),
				huh.NewOption("remote: "+row[3], string(conflict.Remote)),
			).
			Value(&picks[i]))
	}
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return nil, err
	}

	st := &conflict.Strategy{Strategy: conflict.Merge, FieldResolutions: make(map[string]conflict.Side, len(rows))}
	for i, row := range rows {
		st.FieldResolutions[row[0]] = conflict.Side(picks[i])
	}
	return st, nil
}

func init() {
	conflictsResolveCmd.Flags().StringVar(&resolveKeep, "keep", "", "keep one side for every field: local or remote")
	conflictsResolveCmd.Flags().StringToStringVar(&resolveFields, "field", nil, "per-field choice, e.g. title=local")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
