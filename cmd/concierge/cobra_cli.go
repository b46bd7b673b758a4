package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/freitascorp/concierge/pkg/bootstrap"
	"github.com/freitascorp/concierge/pkg/config"
	"github.com/freitascorp/concierge/pkg/task"
	"github.com/freitascorp/concierge/pkg/taskstore"
	"github.com/freitascorp/concierge/pkg/wsgateway"
)

var flagDebug bool

// ─── CLI palette: same "one lock, small hot set" restraint as the
// server side: a handful of named colors, reused everywhere, instead of
// an ad-hoc lipgloss.Color literal per call site.
var (
	colorOK    = lipgloss.Color("#3ba55d")
	colorWarn  = lipgloss.Color("#d4a12f")
	colorError = lipgloss.Color("#cc3333")
	colorMuted = lipgloss.Color("#888888")

	styleOK    = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	styleWarn  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	styleError = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "concierge",
		Short: "Remote-host control service: WOL, shell, and HTTP dispatch behind an authenticated API",
		Long: `concierge accepts authenticated HTTPS requests that target named hosts and
dispatches Wake-on-LAN magic packets, locally executed shell commands, or
outbound HTTP(S) requests against them. Results are tracked as Tasks,
persisted across restarts, and can be streamed back over an authenticated
WebSocket channel. A declarative Execution Plan language composes these
primitives into conditional, branching sequences.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newTokenCmd(),
		newTasksCmd(),
		newKeygenCmd(),
		newVersionCmd(),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(formatVersion())
		},
	}
}

// ─── serve ──────────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTPS frontend and the WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap.LoadEnvConfig()
			if err != nil {
				return err
			}
			if flagDebug {
				env.LogLevel = "debug"
			}

			svc, err := bootstrap.New(env)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc.Logger.Info("concierge starting", "version", formatVersion())
			return svc.Serve(ctx)
		},
	}
}

// ─── config validate / render ──────────────────────────────────────

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate or render the host/command/execution-plan document",
	}
	cmd.AddCommand(newConfigValidateCmd(), newConfigRenderCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a config file, exiting nonzero on ConfigInvalid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			store, err := config.Load(data, newCLILogger())
			if err != nil {
				fmt.Println(styleError.Render("ConfigInvalid"), err)
				os.Exit(1)
			}
			hosts := store.Hosts()
			fmt.Println(styleOK.Render("OK"), fmt.Sprintf("%d host(s), %d command(s)", len(hosts), len(store.CommandNames())))
			return nil
		},
	}
}

func newConfigRenderCmd() *cobra.Command {
	var templatePath string
	cmd := &cobra.Command{
		Use:   "render <path>",
		Short: "Print the HTML the HTTPFrontend would serve for this config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			store, err := config.Load(data, newCLILogger())
			if err != nil {
				return err
			}
			tmpl := bootstrap.DefaultHTMLTemplate
			if templatePath != "" {
				raw, err := os.ReadFile(templatePath)
				if err != nil {
					return err
				}
				tmpl = string(raw)
			}
			fmt.Println(store.RenderHTML(tmpl))
			return nil
		},
	}
	cmd.Flags().StringVar(&templatePath, "template", "", "HTML template path (defaults to the built-in template)")
	return cmd
}

// ─── token issue ────────────────────────────────────────────────────

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Mint WebSocket access tokens"}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		taskID   string
		hostname string
		user     string
		ttl      int
		secret   string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a WebSocket access token for (task_id, hostname), for scripting/testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" || hostname == "" {
				return fmt.Errorf("--task and --host are required")
			}
			if secret == "" {
				secret = os.Getenv("CONCIERGE_WS_TOKEN_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or CONCIERGE_WS_TOKEN_SECRET must be set")
			}
			issuer := wsgateway.NewTokenIssuer([]byte(secret))
			tok, err := issuer.Issue(user, taskID, hostname, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id the token authorizes")
	cmd.Flags().StringVar(&hostname, "host", "", "hostname the token authorizes")
	cmd.Flags().StringVar(&user, "user", "admin-cli", "user name recorded in the token")
	cmd.Flags().IntVar(&ttl, "ttl", 60, "token lifetime in seconds")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret (defaults to CONCIERGE_WS_TOKEN_SECRET)")
	return cmd
}

// ─── tasks list / show ──────────────────────────────────────────────

func newTasksCmd() *cobra.Command {
	var storePath string
	cmd := &cobra.Command{Use: "tasks", Short: "Inspect the persisted task store offline"}
	cmd.PersistentFlags().StringVar(&storePath, "store", "", "task store path (defaults to CONCIERGE_TASKSTORE_PATH)")
	cmd.AddCommand(newTasksListCmd(&storePath), newTasksShowCmd(&storePath))
	return cmd
}

func openTaskStoreReadOnly(path string) (*taskstore.Store, error) {
	if path == "" {
		path = os.Getenv("CONCIERGE_TASKSTORE_PATH")
	}
	if path == "" {
		return nil, fmt.Errorf("no task store path given (--store or CONCIERGE_TASKSTORE_PATH)")
	}
	return taskstore.OpenFile(path, 0)
}

func newTasksListCmd(storePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every task, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTaskStoreReadOnly(*storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			return store.ItemsReversed(func(key string, raw json.RawMessage) error {
				var t task.Task
				if err := json.Unmarshal(raw, &t); err != nil {
					return err
				}
				printTaskSummary(&t)
				return nil
			})
		},
	}
}

func newTasksShowCmd(storePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTaskStoreReadOnly(*storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			var t task.Task
			ok, err := store.Get(args[0], &t)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("unknown task %q", args[0])
			}
			out, err := json.MarshalIndent(&t, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func printTaskSummary(t *task.Task) {
	status := styleOK.Render("done")
	if len(t.Running) > 0 {
		status = styleWarn.Render("running")
	} else if t.HasErrors() {
		status = styleError.Render("errors")
	}
	name := "-"
	if t.Command != nil {
		name = *t.Command
	}
	fmt.Printf("%s  %-8s %-24s success=%d errors=%d running=%d\n",
		t.TaskID, status, name, len(t.Success), len(t.Errors), len(t.Running))
}

// ─── keygen ─────────────────────────────────────────────────────────

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Prompt for a new admin key without echoing it to the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "new admin key: ")
			pw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			if len(pw) == 0 {
				return fmt.Errorf("empty key rejected")
			}
			fmt.Println(styleMuted.Render("export CONCIERGE_ADMIN_KEY=") + string(pw))
			return nil
		},
	}
}
