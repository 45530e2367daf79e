package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pulld/services/ctl"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pullctl",
		Short:         "Utility for driving pulld transfers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("api", os.Getenv("PULLD_API"), "Base URL of the pulld API (e.g. http://localhost:8080)")

	cmd.AddCommand(newTransfersCommand())
	return cmd
}

func newTransfersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "Transfer trigger and status operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newTransfersTriggerCommand())
	cmd.AddCommand(newTransfersStatusCommand())
	cmd.AddCommand(newTransfersURLCommand())
	cmd.AddCommand(newTransfersListCommand())
	return cmd
}

func newTransfersTriggerCommand() *cobra.Command {
	var (
		agentID string
		name    string
		meta    []string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask an agent to upload a file into object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			metaMap, err := parseMeta(meta)
			if err != nil {
				return err
			}
			transfer, err := client.Trigger(commandContext(cmd), agentID, name, metaMap)
			if err != nil {
				return err
			}
			return printJSON(transfer)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Identifier of the agent holding the file")
	cmd.Flags().StringVar(&name, "name", "", "Name of the file to pull")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Metadata key=value pair, repeatable")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newTransfersStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <transfer-id>",
		Short: "Show the current record for a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			transfer, err := client.Status(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(transfer)
		},
	}
	return cmd
}

func newTransfersURLCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "url <transfer-id>",
		Short: "Print a presigned download link for a verified transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			url, err := client.ArtifactURL(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
	return cmd
}

func newTransfersListCommand() *cobra.Command {
	var (
		agentID string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(cmd)
			if err != nil {
				return err
			}
			transfers, err := client.List(commandContext(cmd), agentID, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tNAME\tSTATUS\tSIZE")
			for _, t := range transfers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", t.ID, t.AgentID, t.Name, t.Status, t.Size)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Only show transfers for this agent")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of transfers to return")
	return cmd
}

func apiClient(cmd *cobra.Command) (*ctl.Client, error) {
	base, err := cmd.Flags().GetString("api")
	if err != nil {
		return nil, err
	}
	return ctl.NewClient(base)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid meta pair %q, expected key=value", pair)
		}
		meta[key] = value
	}
	return meta, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
