package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kpicatalog/internal/app"
	"kpicatalog/internal/config"
	"kpicatalog/internal/domain"
	"kpicatalog/internal/engine"
	"kpicatalog/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage catalog.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default catalog.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultTemplate), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate catalog.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func entityCmd() *cobra.Command {
	ent := &cobra.Command{Use: "entity", Short: "Manage catalog entities"}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityEditCmd())
	ent.AddCommand(entityShowCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entitySyncCmd())
	ent.AddCommand(entityExemptCmd())
	return ent
}

func parseDetails(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--details must be a JSON object: %w", err)
	}
	return out, nil
}

func printWrite(res engine.WriteResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("%s %s (%s) status=%s\n", res.Entity.Kind, res.Entity.Slug, res.Entity.ID, res.Entity.Status)
	switch {
	case res.Sync == nil:
		fmt.Println("sync queued")
	case res.Sync.Success:
		fmt.Printf("sync ok: pull request #%d %s\n", res.Sync.PRNumber, res.Sync.PRURL)
	default:
		fmt.Printf("sync failed: %s (retry with catalog entity sync %s %s)\n", res.Sync.Error, res.Entity.Kind, res.Entity.ID)
	}
	return nil
}

func entityCreateCmd() *cobra.Command {
	var kind, name, desc, category, details string
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseKind(kind)
			if err != nil {
				return err
			}
			d, err := parseDetails(details)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateEntity(ctx, engine.CreateOptions{
					Kind:        k,
					Name:        name,
					Description: desc,
					Category:    category,
					Tags:        tags,
					Details:     d,
					Actor:       actor(),
				})
				if err != nil {
					return err
				}
				return printWrite(res)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kpi, metric, dimension, event or dashboard")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&details, "details", "", "kind specific fields as a JSON object")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func entityEditCmd() *cobra.Command {
	var name, desc, category, details string
	var tags []string
	cmd := &cobra.Command{
		Use:   "edit <kind> <id>",
		Short: "Edit a draft entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			opts := engine.EditOptions{Kind: k, ID: args[1], Actor: actor()}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("category") {
				opts.Category = &category
			}
			if cmd.Flags().Changed("tag") {
				opts.Tags = &tags
			}
			if opts.Details, err = parseDetails(details); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.EditEntity(ctx, opts)
				if err != nil {
					return err
				}
				return printWrite(res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable, replaces all tags)")
	cmd.Flags().StringVar(&details, "details", "", "kind specific fields as a JSON object")
	return cmd
}

func entityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> <id-or-slug>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.GetEntity(ctx, k, args[1])
				if errors.Is(err, repo.ErrNotFound) {
					ent, err = e.GetEntityBySlug(ctx, k, args[1])
				}
				if err != nil {
					return err
				}
				return printJSON(ent)
			})
		},
	}
}

func renderEntities(items []domain.Entity) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Kind", "Slug", "Status", "Name", "PR", "Modified"})
	for _, ent := range items {
		pr := ""
		if ent.GithubPRNumber != nil {
			pr = fmt.Sprintf("#%d", *ent.GithubPRNumber)
		}
		tw.AppendRow(table.Row{ent.ID, ent.Kind, ent.Slug, ent.Status, ent.Name, pr, ent.LastModifiedAt})
	}
	tw.Render()
}

func entityListCmd() *cobra.Command {
	var kind, status string
	var f repo.EntityFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "" {
				k, err := domain.ParseKind(kind)
				if err != nil {
					return err
				}
				f.Kind = k
			}
			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEntities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderEntities(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func entitySyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <kind> <id>",
		Short: "Retry the sync of an entity that never reached the repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RetrySync(ctx, k, args[1], actor())
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
}

func entityExemptCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "exempt <kind> <id>",
		Short: "Exempt a published entity from the missing pull request check",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetPublishExempt(ctx, k, args[1], !off, actor())
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "remove the exemption")
	return cmd
}

func queueCmd() *cobra.Command {
	var kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List drafts awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.QueueOptions{Limit: limit}
			if kind != "" {
				k, err := domain.ParseKind(kind)
				if err != nil {
					return err
				}
				opts.Kind = k
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ReviewQueue(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				ents := make([]domain.Entity, 0, len(items))
				for _, it := range items {
					ents = append(ents, it.Entity)
				}
				renderEntities(ents)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <kind> <id>",
		Short: "Open the publish pull request for a draft (editors only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Publish(ctx, k, args[1], actor())
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func contributionsCmd() *cobra.Command {
	var status, itemType string
	var f repo.ContributionFilters
	cmd := &cobra.Command{
		Use:   "contributions",
		Short: "List the contribution ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ContributionStatus(status)
			if itemType != "" {
				k, err := domain.ParseKind(itemType)
				if err != nil {
					return err
				}
				f.ItemType = k
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListContributions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Item", "Action", "Status", "PR", "Created"})
				for _, c := range items {
					pr := ""
					if c.PRNumber != nil {
						pr = fmt.Sprintf("#%d", *c.PRNumber)
					}
					tw.AppendRow(table.Row{c.ID, c.UserID, fmt.Sprintf("%s/%s", c.ItemType, c.ItemSlug), c.Action, c.Status, pr, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user", "", "contributor filter")
	cmd.Flags().StringVar(&f.ItemID, "item", "", "entity id filter")
	cmd.Flags().StringVar(&itemType, "kind", "", "kind filter")
	cmd.Flags().StringVar(&status, "status", "", "pending, completed or failed")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report published entities without a pull request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.CheckPublished(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				if len(items) == 0 {
					fmt.Println("no published entity is missing its pull request")
					return nil
				}
				renderEntities(items)
				return fmt.Errorf("%d published entities without a pull request", len(items))
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func webhookCmd() *cobra.Command {
	wh := &cobra.Command{Use: "webhook", Short: "Inspect and replay webhook deliveries"}
	wh.AddCommand(webhookListCmd())
	wh.AddCommand(webhookReplayCmd())
	return wh
}

func webhookListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List received deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDeliveries(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Delivery", "Event", "Action", "Outcome", "Error", "Received"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.DeliveryID, d.Event, d.Action, d.Outcome, d.Error, d.ReceivedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func webhookReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <delivery-id>",
		Short: "Process a stored delivery again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.WebhookReceiver().Replay(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func rolesCmd() *cobra.Command {
	rl := &cobra.Command{Use: "roles", Short: "Manage editor and admin roles"}
	rl.AddCommand(roleChangeCmd("grant", "Grant a role", func(ctx context.Context, e engine.Engine, target, role string) error {
		return e.GrantRole(ctx, engine.Actor{}, target, role)
	}))
	rl.AddCommand(roleChangeCmd("revoke", "Revoke a role", func(ctx context.Context, e engine.Engine, target, role string) error {
		return e.RevokeRole(ctx, engine.Actor{}, target, role)
	}))
	rl.AddCommand(rolesListCmd())
	return rl
}

// roleChangeCmd runs as the local operator, which needs no role itself.
func roleChangeCmd(use, short string, fn func(context.Context, engine.Engine, string, string) error) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := fn(ctx, e, target, role); err != nil {
					return err
				}
				fmt.Printf("%s %s: %s\n", use, target, role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "editor or admin")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rolesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [actor]",
		Short: "List stored grants, or the effective roles of one actor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(args) == 1 {
					roles, err := e.Roles(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(map[string]any{"actor_id": args[0], "roles": roles})
				}
				grants, err := e.Repo.ListActorRoles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Role", "Granted"})
				for _, g := range grants {
					tw.AppendRow(table.Row{g.ActorID, g.Role, g.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikeys", Short: "Manage API keys"}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyDeleteCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, engine.Actor{}, owner, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("id: %s\nactor: %s\nkey: %s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "actor", "", "owning actor id")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "actor", "", "owning actor id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, engine.Actor{}, args[0])
			})
		},
	}
}
