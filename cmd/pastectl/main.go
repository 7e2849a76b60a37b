package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"pastelite/pkg/client"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "pastectl",
	Short:         "Command line client for pastelite",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var createCmd = &cobra.Command{
	Use:   "create [file|-]",
	Short: "Create a paste from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCreate,
}

var getCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Read a paste (counts as a view)",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	rootCmd.PersistentFlags().StringP("server-url", "u", defaultServerURL(), "Server URL")
	createCmd.Flags().Int64("ttl", 0, "Expire the paste after this many seconds (0 = never)")
	createCmd.Flags().Int64("max-views", 0, "Maximum number of views (0 = unlimited)")
	rootCmd.AddCommand(createCmd, getCmd)
}

func defaultServerURL() string {
	if u := os.Getenv("PASTELITE_URL"); u != "" {
		return u
	}
	return "http://localhost:3000"
}

func commands(cmd *cobra.Command) *client.Commands {
	serverURL, _ := cmd.Flags().GetString("server-url")
	return client.NewCommands(client.NewClient(serverURL), cmd.OutOrStdout())
}

func runCreate(cmd *cobra.Command, args []string) error {
	ttl, _ := cmd.Flags().GetInt64("ttl")
	maxViews, _ := cmd.Flags().GetInt64("max-views")
	if ttl < 0 || maxViews < 0 {
		return fmt.Errorf("--ttl and --max-views must not be negative")
	}
	var src io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer f.Close()
		src = f
	}
	content, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	return commands(cmd).Create(cmd.Context(), string(content), ttl, maxViews)
}

func runGet(cmd *cobra.Command, args []string) error {
	return commands(cmd).Get(cmd.Context(), args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
