package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cellarline/internal/db"
	"cellarline/internal/migrate"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Database schema"}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := loadService()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Path: svc.DBPath, Workspace: svc.Workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, pending, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": applied, "pending": pending})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
			for _, a := range applied {
				tw.AppendRow(table.Row{a.Version, a.Name, a.AppliedAt})
			}
			for _, p := range pending {
				tw.AppendRow(table.Row{"", p, "pending"})
			}
			tw.Render()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := loadService()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Path: svc.DBPath, Workspace: svc.Workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	})
	return cmd
}
