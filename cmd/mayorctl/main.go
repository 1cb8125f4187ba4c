// Command mayorctl is the operator CLI for the bead store. It works on
// the store directly, so it can manage a board with or without a running
// mayor daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/beadworks/mayor/internal/beads"
	"github.com/beadworks/mayor/internal/mayor"
	"github.com/beadworks/mayor/pkg/config"
	"github.com/beadworks/mayor/pkg/models"
)

var configPath string

func openMayor() (*mayor.Mayor, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	store, err := beads.NewStore(cfg.Store.RepoPath, cfg.Store.MetadataDir,
		cfg.Store.IDPrefix, time.Duration(cfg.Agent.TimeoutMinutes)*time.Minute)
	if err != nil {
		return nil, err
	}
	convoys, err := beads.NewConvoyStore(store)
	if err != nil {
		return nil, err
	}
	return mayor.New(store, convoys, nil), nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "mayorctl",
		Short:         "Manage the mayor bead board",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "mayor.yaml", "path to config file")

	var (
		name        string
		description string
		testCases   []string
		priority    int
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a bead",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			b, err := m.CreateBead(mayor.BeadSpec{
				Name:        name,
				Description: description,
				TestCases:   testCases,
				Priority:    &priority,
			})
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "bead name")
	createCmd.Flags().StringVar(&description, "description", "", "bead description")
	createCmd.Flags().StringArrayVar(&testCases, "test", nil, "test case (repeatable)")
	createCmd.Flags().IntVar(&priority, "priority", 0, "bead priority")
	createCmd.MarkFlagRequired("name")

	bulkCmd := &cobra.Command{
		Use:   "bulk FILE",
		Short: "Create beads from a JSON file (array of specs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var specs []mayor.BeadSpec
			if err := json.Unmarshal(data, &specs); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			m, err := openMayor()
			if err != nil {
				return err
			}
			created, err := m.CreateBeadsBulk(specs)
			if err != nil {
				return err
			}
			return printJSON(created)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all beads",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			all, err := m.ListBeads()
			if err != nil {
				return err
			}
			for _, b := range all {
				fmt.Printf("%-12s %-12s p=%-4d %s\n", b.ID, b.Status, b.Priority, b.Name)
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show one bead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			b, err := m.GetBead(args[0])
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}

	moveCmd := &cobra.Command{
		Use:   "move ID STATUS",
		Short: "Move a bead to a status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			b, err := m.MoveBead(args[0], models.BeadStatus(args[1]))
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}

	skipCmd := &cobra.Command{
		Use:   "skip ID",
		Short: "Deprioritize a bead and return it to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			b, err := m.SkipBead(args[0])
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}

	releaseCmd := &cobra.Command{
		Use:   "release ID",
		Short: "Force-release a claimed bead back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			b, err := m.ReleaseBead(args[0])
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}

	passingCmd := &cobra.Command{
		Use:   "passing ID",
		Short: "Mark a bead passing (optionally gated on a quality JSON file)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var quality map[string]interface{}
			if qf, _ := cmd.Flags().GetString("quality"); qf != "" {
				data, err := os.ReadFile(qf)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &quality); err != nil {
					return fmt.Errorf("parse %s: %w", qf, err)
				}
			}
			m, err := openMayor()
			if err != nil {
				return err
			}
			b, err := m.MarkBeadPassing(args[0], quality)
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}
	passingCmd.Flags().String("quality", "", "path to quality result JSON")

	nextCmd := &cobra.Command{
		Use:   "next AGENT",
		Short: "Claim the next bead for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			b, err := m.GetNextBead(args[0])
			if err != nil {
				return err
			}
			if b == nil {
				fmt.Println("board drained")
				return nil
			}
			return printJSON(b)
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show board statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			stats, err := m.Stats()
			if err != nil {
				return err
			}
			fmt.Println(stats)
			return printJSON(stats)
		},
	}

	boardCmd := &cobra.Command{
		Use:   "board",
		Short: "Show the kanban board",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			board, err := m.Board()
			if err != nil {
				return err
			}
			for _, col := range []string{"todo", "in_progress", "review", "done"} {
				fmt.Printf("== %s (%d)\n", col, len(board[col]))
				for _, b := range board[col] {
					fmt.Printf("   %-12s p=%-4d %s\n", b.ID, b.Priority, b.Name)
				}
			}
			return nil
		},
	}

	convoyCmd := &cobra.Command{Use: "convoy", Short: "Manage convoys"}
	convoyCreateCmd := &cobra.Command{
		Use:   "create NAME BEAD_ID...",
		Short: "Create a convoy over existing beads",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			c, err := m.CreateConvoy(args[0], args[1:])
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}
	convoyStatusCmd := &cobra.Command{
		Use:   "status ID",
		Short: "Recompute and show a convoy's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			c, err := m.ConvoyStatus(args[0])
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}
	convoyCmd.AddCommand(convoyCreateCmd, convoyStatusCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a bead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMayor()
			if err != nil {
				return err
			}
			return m.DeleteBead(args[0])
		},
	}

	root.AddCommand(createCmd, bulkCmd, listCmd, showCmd, moveCmd, skipCmd,
		releaseCmd, passingCmd, nextCmd, statsCmd, boardCmd, convoyCmd, deleteCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
