package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// =============================================================================
// Run Command
// =============================================================================

// runOptions are the flags of the run command.
type runOptions struct {
	mode         string
	provider     string
	model        string
	contextID    int64
	idx          string
	systemPrompt string
	loop         bool
	verbose      bool
	final        bool
}

func buildRunCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one turn and print its output",
		Long: `Run one turn in a new or existing conversation.

In agent mode the prompt goes to the configured agent provider; in chat or
llama_index mode it is sent straight to the model. Output streams to the
terminal as it is generated; when stdout is not a terminal only the final
answer is printed.`,
		Example: `  pygpt run "what is in README.md?"
  pygpt run --provider planner --loop "write a release note"
  echo "hello" | pygpt run --mode chat`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				text, err := readPrompt(cmd.InOrStdin())
				if err != nil {
					return err
				}
				prompt = text
			}
			if prompt == "" {
				return fmt.Errorf("prompt is required")
			}
			return runPrompt(cmd, flags, opts, prompt)
		},
	}
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", models.ModeAgent, "Work mode: agent, chat or llama_index")
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "Agent provider (default from config)")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model id (default: first configured model)")
	cmd.Flags().Int64Var(&opts.contextID, "ctx", 0, "Continue the conversation with this id")
	cmd.Flags().StringVar(&opts.idx, "idx", "", "Retrieval index")
	cmd.Flags().StringVar(&opts.systemPrompt, "system", "", "System prompt")
	cmd.Flags().BoolVar(&opts.loop, "loop", false, "Evaluate the answer and continue until it is good enough")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log every agent step")
	cmd.Flags().BoolVar(&opts.final, "final", false, "Print only the final answer")
	return cmd
}

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket display surface and the prompt API",
		Long: `Start an HTTP server with:

  - the websocket display surface (server.ws_path)
  - POST /api/prompt to start a turn and POST /api/stop to stop it
  - GET /api/contexts to list conversations
  - Prometheus metrics (metrics.path)

The configuration file is watched; agent settings are reloaded on change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

// =============================================================================
// Contexts Commands
// =============================================================================

func buildContextsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "contexts",
		Aliases: []string{"ctx"},
		Short:   "Manage stored conversations",
	}

	var (
		limit  int
		search string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContextsList(cmd, flags, limit, search)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of conversations")
	list.Flags().StringVarP(&search, "search", "s", "", "Only conversations matching this text")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print the items of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runContextsShow(cmd, flags, id)
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runContextsRename(cmd, flags, id, strings.Join(args[1:], " "))
		},
	}

	remove := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a conversation",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runContextsDelete(cmd, flags, id)
		},
	}

	cmd.AddCommand(list, show, rename, remove)
	return cmd
}

// =============================================================================
// Index Commands
// =============================================================================

func buildIndexCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the local retrieval index",
	}

	add := &cobra.Command{
		Use:   "add <idx> <file>...",
		Short: "Index files",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexAdd(cmd, flags, args[0], args[1:])
		},
	}

	query := &cobra.Command{
		Use:   "query <idx> <query>",
		Short: "Print the chunks matching a query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexQuery(cmd, flags, args[0], strings.Join(args[1:], " "))
		},
	}

	cmd.AddCommand(add, query)
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigShow(cmd, flags)
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON schema of the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
	)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pygpt %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", raw)
	}
	return id, nil
}
