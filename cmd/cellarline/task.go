package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cellarline/internal/domain"
	"cellarline/internal/engine"
	"cellarline/internal/repo"
	"cellarline/internal/tenant"
)

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "message", Short: "Inbound messages"}
	var in engine.InboundMessage
	var source, receivedAt string
	ingest := &cobra.Command{
		Use:   "ingest",
		Short: "Classify a message into a task, as the provider webhook would",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			in.WineryID = scope.WineryID
			in.Source = domain.Channel(strings.ToLower(source))
			if receivedAt != "" {
				if in.ReceivedAt, err = time.Parse(time.RFC3339, receivedAt); err != nil {
					return fmt.Errorf("--received-at: %w", err)
				}
			}
			if in.Body == "-" {
				data, err := readAllStdin()
				if err != nil {
					return err
				}
				in.Body = data
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.HandleInboundMessage(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	ingest.Flags().StringVar(&source, "source", "sms", "sms, email or voice")
	ingest.Flags().StringVar(&in.From, "from", "", "sender phone or email")
	ingest.Flags().StringVar(&in.To, "to", "", "receiving number or address")
	ingest.Flags().StringVar(&in.Body, "body", "", "message text; - reads stdin")
	ingest.Flags().StringVar(&in.ExternalID, "external-id", "", "provider message id")
	ingest.Flags().StringVar(&receivedAt, "received-at", "", "RFC 3339 receive time")
	cmd.AddCommand(ingest)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <message-id>",
		Short: "Show a stored inbound message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMessage(ctx, scope, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	})
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Review and manage tasks"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskHistoryCmd())
	cmd.AddCommand(taskCreateCmd())
	for _, d := range []struct {
		use, short string
		fn         func(engine.Engine) decision
	}{
		{"approve", "Approve a task awaiting review", func(e engine.Engine) decision { return e.Approve }},
		{"reject", "Reject a task awaiting review", func(e engine.Engine) decision { return e.Reject }},
		{"execute", "Record that an approved task was carried out", func(e engine.Engine) decision { return e.Execute }},
		{"trigger", "Run the configured executor for an approved task", func(e engine.Engine) decision { return e.TriggerExecution }},
		{"cancel", "Cancel an open task", func(e engine.Engine) decision { return e.Cancel }},
	} {
		cmd.AddCommand(taskDecisionCmd(d.use, d.short, d.fn))
	}
	cmd.AddCommand(taskAssignCmd())
	cmd.AddCommand(taskNoteCmd())
	cmd.AddCommand(taskLinkCmd())
	cmd.AddCommand(taskPayloadCmd())
	cmd.AddCommand(taskRequestActionCmd())
	cmd.AddCommand(taskTokensCmd())
	return cmd
}

type decision func(ctx context.Context, scope tenant.Scope, taskID string, actor *string, details map[string]any) (engine.Outcome, error)

// withTask runs fn against the selected winery for the task named by args[0].
func withTask(cmd *cobra.Command, args []string, fn func(ctx context.Context, e engine.Engine, scope tenant.Scope, id string) error) error {
	scope, err := currentScope()
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, scope, args[0])
	})
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status, category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			f.Status = domain.TaskStatus(strings.ToUpper(status))
			f.Category = domain.Category(strings.ToUpper(category))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, scope, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Sub type", "Status", "Priority", "Member", "Assignee", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Category, t.SubType, t.Status, t.Priority, deref(t.MemberID), deref(t.AssigneeID), t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.MemberID, "member", "", "member filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, args, func(ctx context.Context, e engine.Engine, scope tenant.Scope, id string) error {
				t, err := e.GetTask(ctx, scope, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show the audit trail of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, args, func(ctx context.Context, e engine.Engine, scope tenant.Scope, id string) error {
				items, err := e.History(ctx, scope, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Action", "By", "At", "From", "To"})
				for _, a := range items {
					by := deref(a.UserID)
					if by == "" {
						by = "system"
					}
					from, _ := a.Details["from"].(string)
					to, _ := a.Details["to"].(string)
					tw.AppendRow(table.Row{a.ID, a.ActionType, by, a.CreatedAt, from, to})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskCreateCmd() *cobra.Command {
	var in engine.ManualTask
	var category, priority, channel, member, parent string
	var sets []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			if in.Payload, err = parseAssignments(sets); err != nil {
				return err
			}
			in.Category = domain.Category(strings.ToUpper(category))
			in.Priority = domain.Priority(priority)
			in.SuggestedChannel = domain.Channel(channel)
			in.MemberID = member
			in.ParentTaskID = parent
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.CreateManualTask(ctx, scope, currentActor(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "GENERAL", "task category")
	cmd.Flags().StringVar(&in.SubType, "sub-type", "", "sub type allowed for the category")
	cmd.Flags().StringVar(&member, "member", "", "member id")
	cmd.Flags().StringVar(&priority, "priority", "", "low, normal or high")
	cmd.Flags().StringVar(&channel, "channel", "", "suggested reply channel")
	cmd.Flags().StringVar(&in.SuggestedReplySubject, "reply-subject", "", "suggested reply subject")
	cmd.Flags().StringVar(&in.SuggestedReplyBody, "reply-body", "", "suggested reply body")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id")
	cmd.Flags().StringVar(&in.Note, "note", "", "why the task was created")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "payload key=value (repeatable)")
	return cmd
}

func taskDecisionCmd(use, short string, pick func(engine.Engine) decision) *cobra.Command {
	var reason string
	var sets []string
	cmd := &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			if reason != "" {
				details["reason"] = reason
			}
			if len(details) == 0 {
				details = nil
			}
			return withTask(cmd, args, func(ctx context.Context, e engine.Engine, scope tenant.Scope, id string) error {
				out, err := pick(e)(ctx, scope, id, currentActor(), details)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit entry")
	cmd.Flags().StringArrayVar(&sets, "detail", nil, "extra audit detail key=value (repeatable)")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Assign a task; omit --to to unassign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var assignee *string
			if to != "" {
				assignee = &to
			}
			return withTask(cmd, args, func(ctx context.Context, e engine.Engine, scope tenant.Scope, id string) error {
				out, err := e.Assign(ctx, scope, id, currentActor(), assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "staff user id")
	return cmd
}

func taskNoteCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "note <task-id>",
		Short: "Add a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, args, func(ctx context.Context, e engine.Engine, scope tenant.Scope, id string) error {
				a, err := e.AddNote(ctx, scope, id, currentActor(), text)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVarP(&text, "message", "m", "", "note text")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func taskLinkCmd() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "link <task-id>",
		Short: "Set the parent task; omit --parent to unlink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p *string
			if parent != "" {
				p = &parent
			}
			return withTask(cmd, args, func(ctx context.Context, e engine.Engine, scope tenant.Scope, id string) error {
				out, err := e.LinkParent(ctx, scope, id, currentActor(), p)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id")
	return cmd
}

func taskPayloadCmd() *cobra.Command {
	var sets []string
	var ifVersion int
	cmd := &cobra.Command{
		Use:   "payload <task-id>",
		Short: "Merge key=value pairs into the payload; key=null removes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			return withTask(cmd, args, func(ctx context.Context, e engine.Engine, scope tenant.Scope, id string) error {
				out, err := e.UpdatePayload(ctx, scope, id, currentActor(), patch, ifVersion)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "key=value (repeatable)")
	cmd.Flags().IntVar(&ifVersion, "if-version", 0, "refuse unless the task is at this version")
	return cmd
}

func taskRequestActionCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "request-action <task-id>",
		Short: "Send the member a single-use link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, args, func(ctx context.Context, e engine.Engine, scope tenant.Scope, id string) error {
				out, err := e.RequireMemberAction(ctx, scope, id, currentActor(), domain.TokenType(strings.ToUpper(typ)))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(domain.TokenAddressChange), "member action type")
	return cmd
}

func taskTokensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tokens <task-id>",
		Short: "List member links issued for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, args, func(ctx context.Context, e engine.Engine, scope tenant.Scope, id string) error {
				toks, err := e.TaskTokens(ctx, scope, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(toks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Channel", "Expires", "Used"})
				for _, t := range toks {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Channel, t.ExpiresAt, deref(t.UsedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func readAllStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}
