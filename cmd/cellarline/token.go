package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cellarline/internal/engine"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Member action links"}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <secret>",
		Short: "Check whether a link can be redeemed now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ValidateToken(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"valid":  v.Valid,
					"reason": v.Reason,
					"token":  v.Token,
				})
			})
		},
	})

	var sets []string
	redeem := &cobra.Command{
		Use:   "redeem <secret>",
		Short: "Redeem a link on the member's behalf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			submitted, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RedeemToken(ctx, args[0], submitted)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	redeem.Flags().StringArrayVar(&sets, "set", nil, "submitted field key=value (repeatable)")
	cmd.AddCommand(redeem)

	var olderThan time.Duration
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Delete unused links that expired long ago",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepTokens(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d expired tokens\n", n)
				return nil
			})
		},
	}
	sweep.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age past expiry")
	cmd.AddCommand(sweep)
	return cmd
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Cancel tasks whose member links all expired unused",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.ExpireAwaiting(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}
