package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"filigree/internal/app"
	"filigree/internal/config"
	"filigree/internal/db"
	"filigree/internal/domain"
	"filigree/internal/engine"
	"filigree/internal/errs"
	"filigree/internal/repo"
	"filigree/internal/server"
	"filigree/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "fil",
	Short: "Filigree CLI",
	Long: `Filigree is a local issue tracker with typed workflows.
- Workspace: the .filigree directory holds the database; filigree.yml holds config.
- Issues: typed work items whose statuses follow each type's workflow template.
- Workflow packs: YAML templates layered built-in -> installed -> project-local.
- Dependencies: directed edges that drive ready/blocked views and the critical path.
- Events: an append-only diary of every change; 'fil undo' rewinds the last one.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("FILIGREE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(reopenCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(undoCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(blockedCmd())
	rootCmd.AddCommand(pathCmd())
	rootCmd.AddCommand(treeCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(findingsCmd())
	rootCmd.AddCommand(workflowsCmd())
	rootCmd.AddCommand(serveCmd())
}

// exitCode maps taxonomy kinds onto distinct shell exit codes.
func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return 2
	case errs.KindNotFound:
		return 3
	case errs.KindConflict:
		return 4
	case errs.KindCycle:
		return 5
	case errs.KindTransition:
		return 6
	case errs.KindLockTimeout:
		return 7
	}
	return 1
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actor(a *app.App) string {
	if v := viper.GetString("actor"); v != "" {
		return v
	}
	return a.Config.Project.Actor
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printIssue(issue domain.Issue) error {
	if viper.GetBool("json") {
		return printJSON(issue)
	}
	fmt.Printf("%s  [%s/%s]  p%d  %s\n", issue.ID, issue.Type, issue.Status, issue.Priority, issue.Title)
	if issue.ClaimedBy != nil {
		fmt.Printf("  claimed by %s\n", *issue.ClaimedBy)
	}
	if len(issue.DependsOn) > 0 {
		fmt.Printf("  depends on %s\n", strings.Join(issue.DependsOn, ", "))
	}
	if issue.Body != "" {
		fmt.Printf("  %s\n", issue.Body)
	}
	for k, v := range issue.Fields {
		fmt.Printf("  %s: %v\n", k, v)
	}
	return nil
}

func printIssueTable(issues []domain.Issue) error {
	if viper.GetBool("json") {
		return printJSON(issues)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Status", "P", "Title", "Assignee"})
	for _, i := range issues {
		assignee := ""
		if i.ClaimedBy != nil {
			assignee = *i.ClaimedBy
		}
		tw.AppendRow(table.Row{i.ID, i.Type, i.Status, i.Priority, i.Title, assignee})
	}
	tw.Render()
	return nil
}

// parseFields turns k=v flags into a typed field bag. Values that parse as
// JSON numbers or booleans are passed through typed; everything else stays a
// string.
func parseFields(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, errs.New(errs.KindValidation, "field must be name=value, got %q", pair)
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func initCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(prefix)), 0o644); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("workspace ready at %s (db %s)\n", workspace, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "fil", "issue id prefix")
	return cmd
}

func createCmd() *cobra.Command {
	var body, parent string
	var priority int
	var fieldFlags, deps []string
	cmd := &cobra.Command{
		Use:   "create <type> <title>",
		Short: "Create an issue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(fieldFlags)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Engine.Create(ctx, engine.CreateOptions{
					Type:      args[0],
					Title:     args[1],
					Body:      body,
					Priority:  priority,
					Fields:    fields,
					ParentID:  parent,
					DependsOn: deps,
					Actor:     actor(a),
				})
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "issue body")
	cmd.Flags().IntVarP(&priority, "priority", "p", 2, "priority 0 (highest) to 4")
	cmd.Flags().StringArrayVarP(&fieldFlags, "field", "f", nil, "typed field name=value (repeatable)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent issue id")
	cmd.Flags().StringArrayVar(&deps, "dep", nil, "prerequisite issue id (repeatable)")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
}

func listCmd() *cobra.Command {
	var typ, status, parent, assignee string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issues, err := a.Engine.Repo.ListIssues(ctx, repo.IssueFilters{
					Type:     typ,
					Status:   status,
					Parent:   parent,
					Assignee: assignee,
					Page:     repo.Page{Limit: limit, Offset: offset},
				})
				if err != nil {
					return err
				}
				return printIssueTable(issues)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "filter by type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&parent, "parent", "", "filter by parent id")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by claim holder")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func updateCmd() *cobra.Command {
	var fieldFlags []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(fieldFlags)
			if err != nil {
				return err
			}
			opts := engine.UpdateOptions{ID: args[0], Fields: fields}
			if cmd.Flags().Changed("status") {
				v, _ := cmd.Flags().GetString("status")
				opts.Status = &v
			}
			if cmd.Flags().Changed("title") {
				v, _ := cmd.Flags().GetString("title")
				opts.Title = &v
			}
			if cmd.Flags().Changed("body") {
				v, _ := cmd.Flags().GetString("body")
				opts.Body = &v
			}
			if cmd.Flags().Changed("priority") {
				v, _ := cmd.Flags().GetInt("priority")
				opts.Priority = &v
			}
			if cmd.Flags().Changed("parent") {
				v, _ := cmd.Flags().GetString("parent")
				opts.Parent = &v
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.Actor = actor(a)
				issue, err := a.Engine.Update(ctx, opts)
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
	cmd.Flags().String("status", "", "new status")
	cmd.Flags().String("title", "", "new title")
	cmd.Flags().String("body", "", "new body")
	cmd.Flags().IntP("priority", "p", 2, "new priority")
	cmd.Flags().String("parent", "", "new parent id (empty clears)")
	cmd.Flags().StringArrayVarP(&fieldFlags, "field", "f", nil, "typed field name=value (repeatable)")
	return cmd
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Engine.Close(ctx, args[0], actor(a))
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
}

func reopenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a closed issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Engine.Reopen(ctx, args[0], actor(a))
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
}

func claimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Engine.Claim(ctx, args[0], actor(a))
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
}

func nextCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the next ready issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Engine.ClaimNext(ctx, engine.NextFilters{Type: typ}, actor(a))
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "restrict to one issue type")
	return cmd
}

func releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release a claimed issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Engine.Release(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
}

func commentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <id> <text>",
		Short: "Comment on an issue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.Comment(ctx, args[0], actor(a), args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("comment %d added to %s\n", c.ID, c.IssueID)
				return nil
			})
		},
	}
}

func undoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo <id>",
		Short: "Undo the most recent event on an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evt, err := a.Engine.UndoLast(ctx, args[0], actor(a))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evt)
				}
				fmt.Printf("undid %s on %s\n", evt.Type, evt.IssueID)
				return nil
			})
		},
	}
}

func depCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage dependency edges"}
	dep.AddCommand(&cobra.Command{
		Use:   "add <id> <depends-on>",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Graph.AddDependency(ctx, args[0], args[1], actor(a)); err != nil {
					return err
				}
				fmt.Printf("%s now depends on %s\n", args[0], args[1])
				return nil
			})
		},
	})
	dep.AddCommand(&cobra.Command{
		Use:   "rm <id> <depends-on>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Graph.RemoveDependency(ctx, args[0], args[1], actor(a)); err != nil {
					return err
				}
				fmt.Printf("%s no longer depends on %s\n", args[0], args[1])
				return nil
			})
		},
	})
	return dep
}

func readyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Issues whose prerequisites are all done",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issues, err := a.Graph.Ready(ctx)
				if err != nil {
					return err
				}
				return printIssueTable(issues)
			})
		},
	}
}

func blockedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "Issues waiting on unfinished prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				blocked, err := a.Graph.Blocked(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(blocked)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Title", "Blocked by"})
				for _, b := range blocked {
					tw.AppendRow(table.Row{b.Issue.ID, b.Issue.Status, b.Issue.Title, strings.Join(b.BlockedBy, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Longest weighted prerequisite chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				chain, err := a.Graph.CriticalPath(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chain)
				}
				for i, issue := range chain {
					fmt.Printf("%d. %s  [%s]  %s\n", i+1, issue.ID, issue.Status, issue.Title)
				}
				return nil
			})
		},
	}
}

func treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <id>",
		Short: "Parent tree with progress rollup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tree, err := a.Graph.PlanTree(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tree)
				}
				printPlanNode(tree, 0)
				return nil
			})
		},
	}
}

func printPlanNode(node *domain.PlanNode, depth int) {
	fmt.Printf("%s%s  [%s]  %s  (%.0f%%)\n", strings.Repeat("  ", depth),
		node.Issue.ID, node.Issue.Status, node.Issue.Title, node.Progress*100)
	for _, child := range node.Children {
		printPlanNode(child, depth+1)
	}
}

func searchCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over titles and bodies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issues, err := a.Engine.Repo.SearchIssues(ctx, args[0], repo.Page{Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				return printIssueTable(issues)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func logCmd() *cobra.Command {
	var issueID, typ string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.ListEvents(ctx, repo.EventFilters{
					IssueID: issueID,
					Type:    typ,
					Page:    repo.Page{Limit: limit, Offset: offset},
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Issue", "Event", "Old", "New", "Actor", "At"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.IssueID, e.Type, deref(e.OldValue), deref(e.NewValue), e.Actor, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issueID, "issue", "", "filter by issue id")
	cmd.Flags().StringVar(&typ, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func archiveCmd() *cobra.Command {
	var olderThanDays int
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive closed issues older than the cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				age := a.Config.ArchiveAge()
				if cmd.Flags().Changed("older-than-days") {
					age = time.Duration(olderThanDays) * 24 * time.Hour
				}
				res, err := a.Engine.ArchiveClosed(ctx, age, actor(a))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("archived %d issues, compacted %d events\n", res.IssuesArchived, res.EventsMoved)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 30, "archive issues closed at least this many days ago")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the full store as a JSON bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.ExportAll(ctx)
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(b, "", "  ")
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = os.Stdout.Write(append(data, '\n'))
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file (- for stdout)")
	return cmd
}

func importCmd() *cobra.Command {
	var merge bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a JSON bundle transactionally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var b domain.Bundle
			if err := json.Unmarshal(data, &b); err != nil {
				return errs.Wrap(errs.KindValidation, err, "invalid bundle")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Engine.ImportBulk(ctx, b, merge)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("imported %d issues, %d events, %d dependencies, %d comments, %d findings\n",
					stats.Issues, stats.Events, stats.Dependencies, stats.Comments, stats.Findings)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&merge, "merge", false, "skip records already present instead of conflicting")
	return cmd
}

func findingsCmd() *cobra.Command {
	fnd := &cobra.Command{Use: "findings", Short: "Manage ingested scan findings"}

	var threshold string
	var fromScan bool
	ingest := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest a JSON array of scan findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var inputs []engine.FindingInput
			if err := json.Unmarshal(data, &inputs); err != nil {
				return errs.Wrap(errs.KindValidation, err, "invalid findings file")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if fromScan && !a.Engine.AllowScan() {
					return errs.New(errs.KindInvalidState, "scan cooldown active; retry later")
				}
				opts := engine.IngestOptions{
					Threshold:  domain.Severity(a.Config.Findings.Threshold),
					AutoCreate: a.Config.Findings.AutoCreate,
					Actor:      actor(a),
				}
				if threshold != "" {
					opts.Threshold = domain.Severity(threshold)
				}
				res, err := a.Engine.IngestFindings(ctx, inputs, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("wrote %d findings (%d duplicates), created %d issues\n",
					res.Written, res.Duplicates, res.IssuesCreated)
				return nil
			})
		},
	}
	ingest.Flags().StringVar(&threshold, "threshold", "", "severity threshold for linked issues")
	ingest.Flags().BoolVar(&fromScan, "from-scan", false, "apply the scan-trigger cooldown")
	fnd.AddCommand(ingest)

	var rule, minSeverity string
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				findings, err := a.Engine.ListFindings(ctx, repo.FindingFilters{
					Rule:        rule,
					MinSeverity: domain.Severity(minSeverity),
					Page:        repo.Page{Limit: limit, Offset: offset},
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(findings)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Severity", "Rule", "Path", "Issue"})
				for _, f := range findings {
					tw.AppendRow(table.Row{f.ID, f.Severity, f.Rule, f.Path, deref(f.IssueID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&rule, "rule", "", "filter by rule")
	list.Flags().StringVar(&minSeverity, "min-severity", "", "minimum severity")
	list.Flags().IntVar(&limit, "limit", 0, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")
	fnd.AddCommand(list)

	return fnd
}

func workflowsCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflows", Short: "Inspect workflow templates"}

	wf.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active issue types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(a.Workflow.TypeNames())
				}
				for _, name := range a.Workflow.TypeNames() {
					tpl, err := a.Workflow.Type(name)
					if err != nil {
						return err
					}
					fmt.Printf("%s (initial: %s, %d states, %d transitions)\n",
						name, tpl.InitialState(), len(tpl.States), len(tpl.Transitions))
				}
				for _, w := range a.Workflow.Warnings() {
					fmt.Printf("warning: %s\n", w)
				}
				return nil
			})
		},
	})

	wf.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow pack file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			pack, err := workflow.ParsePack(data)
			if err != nil {
				return err
			}
			fmt.Printf("pack %s ok: %d types\n", pack.Name, len(pack.Types))
			return nil
		},
	})

	return wf
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				handler, err := server.New(server.Config{App: a})
				if err != nil {
					return err
				}
				fmt.Printf("listening on %s\n", addr)
				srv := &http.Server{Addr: addr, Handler: handler}
				return srv.ListenAndServe()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from filigree.yml)")
	return cmd
}
