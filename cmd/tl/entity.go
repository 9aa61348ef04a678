package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tasklane/tasklane/internal/schema"
)

var entityCmd = &cobra.Command{
	Use:     "entity",
	GroupID: "data",
	Short:   "Create, read and delete workspaces, tasks and files",
}

var (
	entityData string
	entityFile string
	entityAll  bool
)

var entityPutCmd = &cobra.Command{
	Use:   "put <type> <id>",
	Short: "Create or replace a record",
	Long: `Create or replace a record from a JSON payload.

The payload comes from --data, --file or standard input. Unknown fields are
rejected.

  tl entity put task T1 --data '{"title":"Ship report","status":"todo"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := schema.ParseEntityType(args[0])
		if err != nil {
			return err
		}
		raw, err := readPayload(cmd.InOrStdin())
		if err != nil {
			return err
		}
		payload, err := schema.DecodePayload(t, raw)
		if err != nil {
			return err
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		saved, err := s.Store.Put(cmd.Context(), &schema.Entity{Type: t, ID: args[1], Payload: payload})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(saved)
		}
		fmt.Printf("%s %s saved (version %d, %s)\n", renderPass("✓"), saved.Key(), saved.Version, saved.SyncStatus)
		return nil
	},
}

func readPayload(stdin io.Reader) ([]byte, error) {
	switch {
	case entityData != "":
		return []byte(entityData), nil
	case entityFile != "":
		// #nosec G304 - path supplied by the user
		data, err := os.ReadFile(entityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		return data, nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil, fmt.Errorf("no payload: use --data, --file or standard input")
		}
		return data, nil
	}
}

var entityGetCmd = &cobra.Command{
	Use:   "get <type> <id>",
	Short: "Print a record as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := schema.ParseEntityType(args[0])
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		e, err := s.Store.Get(cmd.Context(), t, args[1])
		if err != nil {
			return err
		}
		return printJSON(e)
	},
}

var entityListCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List records of one type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := schema.ParseEntityType(args[0])
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		records, err := s.Store.GetAll(cmd.Context(), t)
		if err != nil {
			return err
		}
		if entityAll {
			pending, err := s.Store.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range pending {
				if e.Type == t && e.IsDeleted {
					records = append(records, e)
				}
			}
		}
		if jsonOutput {
			return printJSON(records)
		}
		if len(records) == 0 {
			fmt.Printf("No %s records\n", t)
			return nil
		}
		fmt.Println(entityTable(records))
		return nil
	},
}

func entityTable(records []*schema.Entity) string {
	rows := make([][]string, 0, len(records))
	for _, e := range records {
		title := ""
		if e.Payload != nil {
			title = schema.Title(e.Payload)
		}
		if e.IsDeleted {
			title = renderMuted("(deleted)")
		}
		rows = append(rows, []string{
			e.ID,
			title,
			syncBadge(e.SyncStatus),
			strconv.FormatInt(e.Version, 10),
			e.LastModified.Local().Format("2006-01-02 15:04"),
		})
	}
	return table([]string{"ID", "TITLE", "SYNC", "VER", "MODIFIED"}, rows)
}

func syncBadge(st schema.SyncStatus) string {
	switch st {
	case schema.StatusSynced:
		return renderPass(string(st))
	case schema.StatusConflict:
		return renderFail(string(st))
	default:
		return renderWarn(string(st))
	}
}

var entityDeleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Delete a record (synced as a tombstone)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := schema.ParseEntityType(args[0])
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Store.SoftDelete(cmd.Context(), t, args[1]); err != nil {
			return err
		}
		fmt.Printf("%s %s deleted\n", renderPass("✓"), schema.Key(t, args[1]))
		return nil
	},
}

func init() {
	entityPutCmd.Flags().StringVar(&entityData, "data", "", "JSON payload")
	entityPutCmd.Flags().StringVar(&entityFile, "file", "", "read the JSON payload from a file")
	entityListCmd.Flags().BoolVar(&entityAll, "all", false, "include deletions not yet synced")

	entityCmd.AddCommand(entityPutCmd, entityGetCmd, entityListCmd, entityDeleteCmd)
	rootCmd.AddCommand(entityCmd)
}
