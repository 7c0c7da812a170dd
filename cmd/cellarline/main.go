package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cellarline/internal/config"
	"cellarline/internal/db"
	"cellarline/internal/engine"
	"cellarline/internal/metrics"
	"cellarline/internal/migrate"
	"cellarline/internal/observability"
	"cellarline/internal/tenant"
)

var rootCmd = &cobra.Command{
	Use:   "cellarline",
	Short: "Cellarline CLI",
	Long: `Cellarline turns inbound member SMS, email and voicemail into reviewable tasks.
- Winery: one tenant with its own members, staff and classification rules.
- Intake: each message is classified by the winery's ordered rules into a task.
- Review: staff approve, reject, execute or cancel tasks; every change is audited.
- Member links: single-use expiring links let members finish a request themselves.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.String("db-path", "", "database file (default <workspace>/.cellarline/cellarline.db)")
	pf.Bool("json", false, "output JSON")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("winery", "", "winery id")
	pf.String("actor", "", "staff user id acting; empty acts as the system")
	_ = viper.BindPFlag("workspace", pf.Lookup("workspace"))
	_ = viper.BindPFlag("db_path", pf.Lookup("db-path"))
	_ = viper.BindPFlag("json", pf.Lookup("json"))
	_ = viper.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("winery", pf.Lookup("winery"))
	_ = viper.BindPFlag("actor", pf.Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(wineryCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(staffCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dbCmd())
}

func loadService() (*config.Service, error) {
	svc, err := config.LoadService(viper.GetViper())
	if err != nil {
		return nil, err
	}
	observability.Configure(os.Stderr, svc.LogLevel)
	return svc, nil
}

func newEngine(svc *config.Service) (engine.Engine, func(), error) {
	conn, err := db.Open(db.Config{Path: svc.DBPath, Workspace: svc.Workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn)
	e.PublicBaseURL = svc.PublicBaseURL
	e.Metrics = metrics.New()
	return e, func() { conn.Close() }, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	svc, err := loadService()
	if err != nil {
		return err
	}
	e, closeFn, err := newEngine(svc)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func currentScope() (tenant.Scope, error) {
	id := strings.TrimSpace(viper.GetString("winery"))
	if id == "" {
		return tenant.Scope{}, fmt.Errorf("--winery required (or CELLARLINE_WINERY)")
	}
	return tenant.Scope{WineryID: id}, nil
}

func currentActor() *string {
	a := strings.TrimSpace(viper.GetString("actor"))
	if a == "" {
		return nil
	}
	return &a
}

// parseAssignments turns key=value flags into a map. Values that parse as
// JSON keep their type; "key=null" yields a nil value.
func parseAssignments(kvs []string) (map[string]any, error) {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", kv)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
			continue
		}
		out[k] = v
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
