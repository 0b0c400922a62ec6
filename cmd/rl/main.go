package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"restline/internal/app"
	"restline/internal/config"
	"restline/internal/dispatch"
	"restline/internal/logging"
	"restline/internal/partition"
	"restline/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries the settings shared by every command. Flags override
// RESTLINE_* environment variables.
type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:   "rl",
		Short: "Restline CLI",
		Long: `Restline serves schema-checked resources over a versioned REST protocol.
- Resources: collections of records addressed by key, with get, batch, finder and action methods.
- Projections: ?fields= masks that trim responses to the fields a caller asks for.
- Protocol versions: 1.0.0 and 2.0.0 differ in how keys and parameters are written in URIs.
- Cluster: keys hash to partitions and partitions map to hosts over a consistent hash ring.
- Config: restline.yml in the workspace; 'rl config default' prints a starting point.`,
		SilenceUsage: true,
	}
	c.v.SetEnvPrefix("RESTLINE")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().String("config", "", "config file (default <workspace>/restline.yml)")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("log-level", "", "override config log level")
	for _, name := range []string{"workspace", "config", "json", "log-level"} {
		_ = c.v.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	root.AddCommand(c.serveCmd())
	root.AddCommand(c.resourcesCmd())
	root.AddCommand(c.ringCmd())
	root.AddCommand(c.callCmd())
	root.AddCommand(c.configCmd())
	root.AddCommand(c.tokenCmd())
	return root
}

// loadConfig reads --config when set, otherwise the workspace config, falling
// back to defaults when the workspace has none.
func (c *cli) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.v.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(c.v.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if lvl := c.v.GetString("log-level"); lvl != "" {
		if _, err := logging.ParseLevel(lvl); err != nil {
			return nil, err
		}
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

// withRuntime builds a runtime over the workspace store, runs fn and closes it.
func (c *cli) withRuntime(cfg *config.Config, log *zap.Logger, fn func(*app.Runtime) error) error {
	rt, err := app.New(c.v.GetString("workspace"), cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func (c *cli) serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.withRuntime(cfg, log, func(rt *app.Runtime) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Serving restline on http://%s%s (OpenAPI at /admin/openapi.json)\n",
					cfg.Server.Addr, strings.TrimRight(cfg.Server.BasePath, "/"))
				return rt.Serve(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "resource base path (overrides config)")
	return cmd
}

func (c *cli) resourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List resources and their methods",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return c.withRuntime(cfg, nil, func(rt *app.Runtime) error {
				infos := dispatch.Catalog(rt.Registry)
				if c.v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), infos)
				}
				renderResources(cmd.OutOrStdout(), infos)
				return nil
			})
		},
	}
}

func renderResources(w io.Writer, infos []dispatch.ResourceInfo) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Resource", "Path", "Key", "Operation", "Params", "Returns"})
	for _, r := range infos {
		for _, m := range r.Methods {
			params := make([]string, 0, len(m.Params))
			for _, p := range m.Params {
				s := p.Name + ":" + p.Type
				if p.Optional {
					s += "?"
				}
				params = append(params, s)
			}
			tw.AppendRow(table.Row{r.Name, r.Path, r.Key, m.Operation, strings.Join(params, ", "), m.Returns})
		}
	}
	tw.Render()
}

func (c *cli) ringCmd() *cobra.Command {
	ring := &cobra.Command{Use: "ring", Short: "Inspect the partition ring"}
	var key string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show partitions and hosts from config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			snap, err := cfg.Cluster.Snapshot()
			if err != nil {
				return err
			}
			view := snap.View()
			out := map[string]any{"service": view.Service, "partitions": view.Partitions}
			var target *partition.Target
			if key != "" {
				t, err := snap.MapKey(key)
				if err != nil {
					return err
				}
				out["target"] = map[string]any{"key": key, "partition": t.Partition, "host": t.Host}
				target = &t
			}
			if c.v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.SetTitle(view.Service)
			tw.AppendHeader(table.Row{"Partition", "Host", "URI", "Weight", "Target"})
			for _, p := range view.Partitions {
				for _, h := range p.Hosts {
					mark := ""
					if target != nil && target.Partition == p.ID && target.Host.ID == h.ID {
						mark = key
					}
					tw.AppendRow(table.Row{p.ID, h.ID, h.URI, h.Weight, mark})
				}
			}
			tw.Render()
			return nil
		},
	}
	show.Flags().StringVar(&key, "key", "", "map a key to its partition and host")
	ring.AddCommand(show)
	return ring
}

func (c *cli) configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect restline.yml",
		Long:  "Config holds the listen address, method settings (timeouts, batching, always-projected fields), the cluster layout and logging.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), config.GenerateDefault())
			return err
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := c.loadConfig()
			if err != nil {
				return err
			}
			if c.v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), loaded)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(loaded)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := c.loadConfig()
			if err == nil {
				err = loaded.Validate()
			}
			if c.v.GetBool("json") {
				res := map[string]any{"ok": err == nil}
				if err != nil {
					res["error"] = err.Error()
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	})
	return cfg
}

func (c *cli) tokenCmd() *cobra.Command {
	var actor, secret string
	var roles, perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = c.v.GetString("jwt-secret")
			}
			if secret == "" {
				cfg, err := c.loadConfig()
				if err != nil {
					return err
				}
				secret = cfg.Server.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("no jwt secret: pass --secret, set RESTLINE_JWT_SECRET or config.server.auth.jwt_secret")
			}
			tok, err := server.SignToken(secret, actor, roles, perms, ttl)
			if err != nil {
				return err
			}
			if c.v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"token": tok, "actor": actor})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (token subject)")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to embed (repeatable)")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "permission to embed (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 for none")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
