package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cellarline/internal/config"
	"cellarline/internal/domain"
	"cellarline/internal/engine"
	"cellarline/internal/server"
)

func wineryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "winery", Short: "Manage wineries"}
	cmd.AddCommand(wineryCreateCmd())
	cmd.AddCommand(wineryListCmd())
	cmd.AddCommand(wineryShowCmd())
	cmd.AddCommand(wineryConfigCmd())
	return cmd
}

func wineryCreateCmd() *cobra.Command {
	var w domain.Winery
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a winery with the default or a given config",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if cfgPath != "" {
				var err error
				if cfg, err = config.Load(cfgPath); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateWinery(ctx, w, cfg)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&w.ID, "id", "", "winery id")
	cmd.Flags().StringVar(&w.Name, "name", "", "display name")
	cmd.Flags().StringVar(&w.TimeZone, "time-zone", "UTC", "IANA time zone")
	cmd.Flags().StringVar(&cfgPath, "config", "", "cellarline.yml to use instead of the default")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func wineryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List wineries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWineries(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Time zone", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.TimeZone, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func wineryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the selected winery",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, _, err := e.WineryConfig(ctx, scope)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func wineryConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Winery classification config"}
	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, cfg, err := e.WineryConfig(ctx, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				out, err := config.ToYAML(cfg)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(out)
				return err
			})
		},
	})

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Validate and store a cellarline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			cfg, err := config.Load(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetWineryConfig(ctx, scope, currentActor(), cfg); err != nil {
					return err
				}
				fmt.Printf("imported %d rules into %s\n", len(cfg.Rules), scope.WineryID)
				return nil
			})
		},
	}
	importCmd.Flags().StringVarP(&file, "file", "f", "cellarline.yml", "config file")
	cmd.AddCommand(importCmd)

	var name string
	defCmd := &cobra.Command{
		Use:   "default",
		Short: "Print a starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := viper.GetString("winery")
			if id == "" {
				id = "my-winery"
			}
			fmt.Print(config.GenerateDefault(id, name))
			return nil
		},
	}
	defCmd.Flags().StringVar(&name, "name", "My Winery", "winery display name")
	cmd.AddCommand(defCmd)
	return cmd
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage club members"}

	var m domain.Member
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.AddMember(ctx, scope, currentActor(), m)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	add.Flags().StringVar(&m.FirstName, "first-name", "", "first name")
	add.Flags().StringVar(&m.LastName, "last-name", "", "last name")
	add.Flags().StringVar(&m.Email, "email", "", "email address")
	add.Flags().StringVar(&m.Phone, "phone", "", "mobile number")
	add.Flags().StringVar(&m.Notes, "notes", "", "free-form notes")
	add.Flags().StringVar(&m.ExternalRef, "external-ref", "", "id in the club CRM")
	cmd.AddCommand(add)

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMembers(ctx, scope.WineryID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Phone"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.FirstName + " " + m.LastName, m.Email, m.Phone})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "max rows")
	cmd.AddCommand(list)

	update := &cobra.Command{
		Use:   "update <member-id>",
		Short: "Change a member's email or phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			var email, phone *string
			if cmd.Flags().Changed("email") {
				v, _ := cmd.Flags().GetString("email")
				email = &v
			}
			if cmd.Flags().Changed("phone") {
				v, _ := cmd.Flags().GetString("phone")
				phone = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.UpdateMemberContact(ctx, scope, currentActor(), args[0], email, phone)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	update.Flags().String("email", "", "new email address")
	update.Flags().String("phone", "", "new mobile number")
	cmd.AddCommand(update)
	return cmd
}

func staffCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "staff", Short: "Manage staff users"}
	var u domain.StaffUser
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a staff user",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.AddStaffUser(ctx, scope, currentActor(), u)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	add.Flags().StringVar(&u.Name, "name", "", "display name")
	add.Flags().StringVar(&u.Role, "role", "staff", "manager, staff or integration")
	cmd.AddCommand(add)

	var userID string
	var ttl time.Duration
	jwtCmd := &cobra.Command{
		Use:   "jwt",
		Short: "Issue a bearer token for a staff user",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			svc, err := loadService()
			if err != nil {
				return err
			}
			tok, err := server.IssueJWT(server.AuthConfig{
				JWTSecret: svc.Auth.JWTSecret,
				Issuer:    svc.Auth.Issuer,
				Audience:  svc.Auth.Audience,
			}, userID, scope.WineryID, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	jwtCmd.Flags().StringVar(&userID, "user", "", "staff user id")
	jwtCmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = jwtCmd.MarkFlagRequired("user")
	cmd.AddCommand(jwtCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List staff users and their roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListStaff(ctx, scope, currentActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "role <user-id> <role>",
		Short: "Change a staff user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetStaffRole(ctx, scope, currentActor(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("%s is now %s\n", args[0], args[1])
				return nil
			})
		},
	})
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, scope, currentActor(), userID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"api_key": key, "key": raw})
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "staff user id the key acts as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("user")
	cmd.AddCommand(create)

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, scope, currentActor(), owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "user", "", "only keys of this staff user")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, scope, currentActor(), args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return cmd
}
