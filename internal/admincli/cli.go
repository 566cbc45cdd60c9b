// Package admincli implements the offline exclusions admin tool: list, add,
// and remove rules in the exclusions table.
package admincli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hootmeow/bf1942-ingest/internal/config"
	"github.com/hootmeow/bf1942-ingest/internal/store"
)

type ExitCode int

const (
	exitCodeSuccess ExitCode = 0
	exitCodeError   ExitCode = 1
)

var validTypes = map[string]struct{}{
	"gametype":    {},
	"player_name": {},
	"server_id":   {},
}

func Run() ExitCode {
	rootCmd := &cobra.Command{
		Use:           "exclusions",
		Short:         "Manage the tracker's exclusion rules.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	rootCmd.AddCommand(
		newListCmd(&verbose),
		newAddCmd(&verbose),
		newRemoveCmd(&verbose),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCodeError
	}
	return exitCodeSuccess
}

func newListCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all exclusion rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), *verbose)
			if err != nil {
				return err
			}
			defer st.Close()

			rules, err := st.ListExclusions(cmd.Context())
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Println("No exclusions defined.")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Type", "Value", "Notes", "Created"})
			table.SetAutoWrapText(false)
			table.SetBorder(true)
			for _, e := range rules {
				table.Append([]string{
					strconv.FormatInt(e.ID, 10),
					e.Type,
					e.Value,
					e.Notes,
					e.CreatedAt.UTC().Format(time.RFC3339),
				})
			}
			table.Render()
			return nil
		},
	}
}

func newAddCmd(verbose *bool) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "add <type> <value>",
		Short: "Add an exclusion rule (type: gametype, player_name, or server_id)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, value := args[0], args[1]
			if _, ok := validTypes[typ]; !ok {
				return fmt.Errorf("invalid exclusion type %q (want gametype, player_name, or server_id)", typ)
			}

			st, err := openStore(cmd.Context(), *verbose)
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := st.AddExclusion(cmd.Context(), typ, value, notes)
			if errors.Is(err, store.ErrDuplicateExclusion) {
				return fmt.Errorf("exclusion (%s, %s) already exists", typ, value)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Added exclusion %d: (%s, %s)\n", id, typ, value)
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-form note stored with the rule")
	return cmd
}

func newRemoveCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an exclusion rule by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid exclusion id %q", args[0])
			}

			st, err := openStore(cmd.Context(), *verbose)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.RemoveExclusion(cmd.Context(), id); errors.Is(err, store.ErrExclusionNotFound) {
				return fmt.Errorf("no exclusion with id %d", id)
			} else if err != nil {
				return err
			}
			fmt.Printf("Removed exclusion %d\n", id)
			return nil
		},
	}
}

func openStore(ctx context.Context, verbose bool) (*store.Store, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.New(ctx, newLogger(verbose), cfg.PostgresDSN, cfg.OfflineFailureThreshold)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
