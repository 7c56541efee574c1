package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/org/accessgate/internal/auth"
)

var rootCmd = &cobra.Command{
	Use:           "accessctl",
	Short:         "accessgate admin CLI",
	Long:          "Operate TradingView script-access provisioning through the accessgate admin API.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")

	rootCmd.AddCommand(
		loginCmd(),
		keygenCmd(),
		stateCmd(),
		modeCmd(),
		restoreCmd(),
		healthCheckCmd(),
		credentialsCmd(),
		accessCmd(),
		autoGrantCmd(),
		tasksCmd(),
		auditCmd(),
	)
}

// call runs fn against a fresh client and prints its result.
func call(fn func(c *Client) (map[string]any, error)) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	result, err := fn(c)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func prompt(label string) string {
	fmt.Fprint(os.Stderr, label)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}

// --- session ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login [address]",
		Short: "Store the API address and key in ~/.accessgate/config.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.Address = strings.TrimRight(args[0], "/")
			}
			key := prompt("API key: ")
			if key == "" {
				return fmt.Errorf("an API key is required")
			}
			cfg.APIKey = key
			if ca, _ := cmd.Flags().GetString("ca-cert"); ca != "" {
				cfg.TLSCACert = ca
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			self, err := c.get("/v1/auth/key/lookup-self")
			if err != nil {
				return fmt.Errorf("verifying key: %w", err)
			}
			if err := saveConfig(); err != nil {
				return err
			}
			fmt.Printf("Logged in to %s as %v.\n", cfg.Address, self["name"])
			return nil
		},
	}
	cmd.Flags().String("ca-cert", "", "CA certificate for a TLS-enabled server")
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an admin API key and the digest to put in api_keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, digest, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			printResult(map[string]any{"key": plaintext, "key_sha256": digest})
			return nil
		},
	}
}

// --- provisioning state ---

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show provisioning health, mode and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.get("/v1/provisioning/state")
			})
		},
	}
}

func modeCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "mode <AUTO|MANUAL|DISABLED>",
		Short:     "Set the configured provisioning mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"AUTO", "MANUAL", "DISABLED"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.put("/v1/provisioning/mode", map[string]any{"mode": strings.ToUpper(args[0])})
			})
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Mark provisioning HEALTHY and return to AUTO",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/provisioning/restore", nil)
			})
		},
	}
}

func healthCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Run a credential health check now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/provisioning/health-check", nil)
			})
		},
	}
}

// --- credentials ---

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "credentials", Short: "Manage upstream provisioning credentials"}

	setCmd := &cobra.Command{
		Use:   "set <api-url>",
		Short: "Validate and activate new credentials",
		Long:  "Validate and activate new credentials. The session id and signature are read from stdin when not given as flags.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := cmd.Flags().GetString("session-id")
			signature, _ := cmd.Flags().GetString("signature")
			if session == "" {
				session = prompt("Session ID: ")
			}
			if signature == "" {
				signature = prompt("Signature: ")
			}
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/credentials", map[string]any{
					"api_url":    args[0],
					"session_id": session,
					"signature":  signature,
				})
			})
		},
	}
	setCmd.Flags().String("session-id", "", "Upstream session id")
	setCmd.Flags().String("signature", "", "Upstream session signature")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show the active credential and recent history",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return call(func(c *Client) (map[string]any, error) {
				return c.get(fmt.Sprintf("/v1/credentials?limit=%d", limit))
			})
		},
	}
	listCmd.Flags().Int("limit", 10, "History entries to show")

	cmd.AddCommand(setCmd, listCmd)
	return cmd
}

// --- access ---

func accessCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "access", Short: "Provision script access for users"}

	grantCmd := &cobra.Command{
		Use:   "grant <user-id> <strategy-id>",
		Short: "Create access for a user and enqueue a grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/access", map[string]any{"user_id": args[0], "strategy_id": args[1]})
			})
		},
	}

	byID := func(use, short, suffix string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <access-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(func(c *Client) (map[string]any, error) {
					path := "/v1/access/" + url.PathEscape(args[0])
					if suffix == "" {
						return c.get(path)
					}
					return c.post(path+"/"+suffix, nil)
				})
			},
		}
	}

	cmd.AddCommand(
		grantCmd,
		byID("get", "Show an access record", ""),
		byID("regrant", "Enqueue a grant for an existing access record", "grant"),
		byID("revoke", "Enqueue a revoke", "revoke"),
		byID("retry", "Retry a FAILED or stuck PENDING access", "retry"),
	)
	return cmd
}

func autoGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auto-grant <strategy-id>",
		Short: "Grant every paying user of a strategy who lacks access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/strategies/"+url.PathEscape(args[0])+"/auto-grant", nil)
			})
		},
	}
}

// --- manual tasks ---

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Work the manual provisioning task list"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List manual tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", fmt.Sprint(limit))
			return call(func(c *Client) (map[string]any, error) {
				return c.get("/v1/manual-tasks?" + q.Encode())
			})
		},
	}
	listCmd.Flags().String("status", "pending", "pending, completed, failed or empty for all")
	listCmd.Flags().Int("limit", 100, "Maximum tasks to list")

	resolve := func(use, short string) *cobra.Command {
		sub := &cobra.Command{
			Use:   use + " <task-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				notes, _ := cmd.Flags().GetString("notes")
				return call(func(c *Client) (map[string]any, error) {
					return c.post("/v1/manual-tasks/"+url.PathEscape(args[0])+"/"+use, map[string]any{"notes": notes})
				})
			},
		}
		sub.Flags().String("notes", "", "Notes recorded on the task")
		return sub
	}

	cmd.AddCommand(
		listCmd,
		resolve("complete", "Mark a task done after performing it upstream"),
		resolve("fail", "Mark a task as not completable"),
	)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, name := range []string{"entity-type", "entity-id", "action", "since"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					q.Set(strings.ReplaceAll(name, "-", "_"), v)
				}
			}
			limit, _ := cmd.Flags().GetInt("limit")
			q.Set("limit", fmt.Sprint(limit))
			return call(func(c *Client) (map[string]any, error) {
				return c.get("/v1/audit-log?" + q.Encode())
			})
		},
	}
	cmd.Flags().String("entity-type", "", "Filter by entity type (strategy_access, provisioning_state, ...)")
	cmd.Flags().String("entity-id", "", "Filter by entity id")
	cmd.Flags().String("action", "", "Filter by action")
	cmd.Flags().String("since", "", "RFC 3339 lower bound")
	cmd.Flags().Int("limit", 50, "Maximum entries")
	return cmd
}
