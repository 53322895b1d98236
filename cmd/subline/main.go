package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"subline/internal/app"
	"subline/internal/config"
	"subline/internal/db"
	"subline/internal/domain"
	"subline/internal/engine"
	"subline/internal/migrate"
	"subline/internal/notify"
	"subline/internal/repo"
	"subline/internal/server"
	"subline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "subline",
	Short: "Subline CLI",
	Long: `Subline coordinates subtitle work across a team.
Core concepts:
- Workspace: your .subline directory holding only the database; team settings live in the DB and are imported explicitly.
- Team: owns members, projects, videos, and the task pipeline.
- Videos: content items with one subtitle pipeline per language.
- Tasks: one open task per (video, language); stages go subtitle/translate -> review -> approve.
- Workflow configs: per team, project, or video; most specific wins.
- Narrowings: restrict a member's authority to one project or language.
- Event log: diary of changes, view with 'subline log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SUBLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("team", "", "team id (overrides workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("team", rootCmd.PersistentFlags().Lookup("team"))
}

func registerCommands() {
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(videoCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage teams"}
	team.AddCommand(teamCreateCmd())
	team.AddCommand(teamListCmd())
	team.AddCommand(teamShowCmd())
	team.AddCommand(teamUseCmd())
	team.AddCommand(teamWorkflowCmd())
	team.AddCommand(teamProjectCmd())
	team.AddCommand(teamSettingsCmd())
	return team
}

func teamCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRawEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTeam(ctx, name, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "team name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func teamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRawEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTeams(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func teamShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				t, err := e.Repo.GetTeam(ctx, teamID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func teamUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current team for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID := strings.TrimSpace(args[0])
			if teamID == "" {
				return fmt.Errorf("team id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "SUBLINE_TEAM", teamID); err != nil {
				return err
			}
			fmt.Printf("Set SUBLINE_TEAM=%s in %s/.env\n", teamID, workspace)
			return nil
		},
	}
}

func teamWorkflowCmd() *cobra.Command {
	var enable, disable bool
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Enable or disable the team workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable == disable {
				return fmt.Errorf("exactly one of --enable or --disable required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.SetTeamWorkflowEnabled(ctx, teamID, enable, viper.GetString("user-id"))
			})
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "enable workflow")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable workflow")
	return cmd
}

func teamProjectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				p, err := e.CreateProject(ctx, teamID, name, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "project name")
	_ = create.MarkFlagRequired("name")
	prj.AddCommand(create)

	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				items, err := e.Repo.ListProjects(ctx, teamID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})

	var projectID string
	var enable, disable bool
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Enable or disable a project workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			if enable == disable {
				return fmt.Errorf("exactly one of --enable or --disable required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.SetProjectWorkflowEnabled(ctx, teamID, projectID, enable, viper.GetString("user-id"))
			})
		},
	}
	wf.Flags().StringVar(&projectID, "project", "", "project id")
	wf.Flags().BoolVar(&enable, "enable", false, "enable workflow")
	wf.Flags().BoolVar(&disable, "disable", false, "disable workflow")
	prj.AddCommand(wf)

	prj.AddCommand(&cobra.Command{
		Use:   "set-default <id>",
		Short: "Make a project the team default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.SetDefaultProject(ctx, teamID, args[0], viper.GetString("user-id"))
			})
		},
	})

	return prj
}

func teamSettingsCmd() *cobra.Command {
	settings := &cobra.Command{Use: "settings", Short: "Manage team settings"}

	settings.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show team settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				s, err := e.Repo.GetTeamSettings(ctx, teamID)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						s = config.Default(teamID)
					} else {
						return err
					}
				}
				return printJSONOrTable(s)
			})
		},
	})

	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import team settings from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			s, err := config.LoadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.ImportSettings(ctx, teamID, s, viper.GetString("user-id"))
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "settings YAML file")
	_ = imp.MarkFlagRequired("file")
	settings.AddCommand(imp)

	settings.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Export team settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				s, err := e.Repo.GetTeamSettings(ctx, teamID)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						s = config.Default(teamID)
					} else {
						return err
					}
				}
				data, err := s.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	})

	return settings
}

func memberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage team members"}

	var userID, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.AddMember(ctx, teamID, userID, domain.Role(role), viper.GetString("user-id"))
			})
		},
	}
	add.Flags().StringVar(&userID, "user", "", "user id")
	add.Flags().StringVar(&role, "role", "contributor", "role (owner, admin, manager, contributor)")
	_ = add.MarkFlagRequired("user")
	member.AddCommand(add)

	member.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				items, err := e.Repo.ListMembers(ctx, teamID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Role", "Narrowings"})
				for _, m := range items {
					var narrow []string
					for _, n := range m.Narrowings {
						if n.ProjectID != "" {
							narrow = append(narrow, "project:"+n.ProjectID)
						} else {
							narrow = append(narrow, "lang:"+n.Language)
						}
					}
					tw.AppendRow(table.Row{m.UserID, m.Role, strings.Join(narrow, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	})

	var targetUser, targetRole string
	setRole := &cobra.Command{
		Use:   "set-role",
		Short: "Change a member's role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if targetUser == "" || targetRole == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.SetMemberRole(ctx, teamID, targetUser, domain.Role(targetRole), viper.GetString("user-id"))
			})
		},
	}
	setRole.Flags().StringVar(&targetUser, "user", "", "user id")
	setRole.Flags().StringVar(&targetRole, "role", "", "role")
	member.AddCommand(setRole)

	remove := &cobra.Command{
		Use:   "remove <user>",
		Short: "Remove member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.RemoveMember(ctx, teamID, args[0], viper.GetString("user-id"))
			})
		},
	}
	member.AddCommand(remove)

	var narrowUser, narrowProject, narrowLang string
	narrow := &cobra.Command{
		Use:   "narrow",
		Short: "Narrow a member to one project or language",
		RunE: func(cmd *cobra.Command, args []string) error {
			if narrowUser == "" {
				return fmt.Errorf("--user required")
			}
			if (narrowProject == "") == (narrowLang == "") {
				return fmt.Errorf("exactly one of --project or --language required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				n, err := e.NarrowMember(ctx, domain.Narrowing{
					TeamID: teamID, UserID: narrowUser,
					ProjectID: narrowProject, Language: narrowLang,
				}, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	narrow.Flags().StringVar(&narrowUser, "user", "", "user id")
	narrow.Flags().StringVar(&narrowProject, "project", "", "project id")
	narrow.Flags().StringVar(&narrowLang, "language", "", "language code")
	member.AddCommand(narrow)

	var unnarrowUser string
	unnarrow := &cobra.Command{
		Use:   "unnarrow <narrowing-id>",
		Short: "Remove a narrowing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.UnnarrowMember(ctx, teamID, unnarrowUser, args[0], viper.GetString("user-id"))
			})
		},
	}
	unnarrow.Flags().StringVar(&unnarrowUser, "user", "", "user id")
	member.AddCommand(unnarrow)

	return member
}

func videoCmd() *cobra.Command {
	video := &cobra.Command{Use: "video", Short: "Manage content items"}

	var title, project, primaryLang string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a video",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				it, err := e.AddContentItem(ctx, teamID, project, title, primaryLang, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "video title")
	add.Flags().StringVar(&project, "project", "", "project id (default project when empty)")
	add.Flags().StringVar(&primaryLang, "primary-language", "", "primary audio language")
	_ = add.MarkFlagRequired("title")
	video.AddCommand(add)

	video.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List videos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				items, err := e.Repo.ListContentItems(ctx, teamID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})

	video.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				it, err := e.Repo.GetContentItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	})

	var moveProject string
	move := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a video to another project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if moveProject == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.MoveContentItem(ctx, tx, args[0], moveProject); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	move.Flags().StringVar(&moveProject, "project", "", "target project id")
	video.AddCommand(move)

	var lang string
	emptied := &cobra.Command{
		Use:   "lang-emptied <id>",
		Short: "Signal that a language lost all published versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lang == "" {
				return fmt.Errorf("--language required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.OnLanguageEmptied(ctx, args[0], lang)
			})
		},
	}
	emptied.Flags().StringVar(&lang, "language", "", "language code")
	video.AddCommand(emptied)

	var completedLang string
	completed := &cobra.Command{
		Use:   "lang-completed <id>",
		Short: "Signal that a language became complete and synced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if completedLang == "" {
				return fmt.Errorf("--language required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.OnLanguageCompleted(ctx, args[0], completedLang)
			})
		},
	}
	completed.Flags().StringVar(&completedLang, "language", "", "language code")
	video.AddCommand(completed)

	return video
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflow configs"}

	var project, item, review, approve string
	var autoSubtitle, autoTranslate bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Install or replace a workflow config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project != "" && item != "" {
				return fmt.Errorf("config targets either --project or --video, not both")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				c, err := e.SetWorkflowConfig(ctx, domain.WorkflowConfig{
					TeamID:              teamID,
					ProjectID:           project,
					ContentItemID:       item,
					AutocreateSubtitle:  autoSubtitle,
					AutocreateTranslate: autoTranslate,
					ReviewRequirement:   review,
					ApproveRequirement:  approve,
				}, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	set.Flags().StringVar(&project, "project", "", "target project id (team-level when empty)")
	set.Flags().StringVar(&item, "video", "", "target video id")
	set.Flags().StringVar(&review, "review", "none", "review requirement (none, peer, manager, admin)")
	set.Flags().StringVar(&approve, "approve", "none", "approve requirement (none, manager, admin)")
	set.Flags().BoolVar(&autoSubtitle, "autocreate-subtitle", false, "auto-create subtitle tasks")
	set.Flags().BoolVar(&autoTranslate, "autocreate-translate", false, "auto-create translate tasks")
	wf.AddCommand(set)

	wf.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflow configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				items, err := e.Repo.ListWorkflowConfigs(ctx, teamID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})

	var clearProject, clearItem string
	clear := &cobra.Command{
		Use:   "clear",
		Short: "Remove the workflow config for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearProject != "" && clearItem != "" {
				return fmt.Errorf("config targets either --project or --video, not both")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.ClearWorkflowConfig(ctx, teamID, clearProject, clearItem, viper.GetString("user-id"))
			})
		},
	}
	clear.Flags().StringVar(&clearProject, "project", "", "target project id (team-level when empty)")
	clear.Flags().StringVar(&clearItem, "video", "", "target video id")
	wf.AddCommand(clear)

	var resolveProject string
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Show the effective workflow config for a project or the team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				team, err := e.Repo.GetTeam(ctx, teamID)
				if err != nil {
					return err
				}
				configs, err := e.Repo.ListWorkflowConfigs(ctx, teamID)
				if err != nil {
					return err
				}
				if resolveProject == "" {
					return printJSONOrTable(workflow.ForTeam(team, configs))
				}
				p, err := e.Repo.GetProject(ctx, resolveProject)
				if err != nil {
					return err
				}
				return printJSONOrTable(workflow.ForProject(team, p, configs))
			})
		},
	}
	resolve.Flags().StringVar(&resolveProject, "project", "", "project id (team-level when empty)")
	wf.AddCommand(resolve)

	return wf
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskUnassignCmd())
	task.AddCommand(taskDraftCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var item, language, taskType, assignee string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if item == "" || language == "" {
				return fmt.Errorf("--video and --language required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					TeamID:        teamID,
					ContentItemID: item,
					Language:      language,
					Type:          domain.TaskType(taskType),
					AssigneeID:    assignee,
					Priority:      priority,
					ActorID:       viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&item, "video", "", "video id")
	cmd.Flags().StringVar(&language, "language", "", "language code")
	cmd.Flags().StringVar(&taskType, "type", "subtitle", "task type (subtitle, translate, review, approve)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee user id")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher first)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var open bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				f.TeamID = teamID
				f.OpenOnly = open
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Video", "Lang", "Type", "Assignee", "Outcome", "Expires"})
				for _, t := range tasks {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					expires := ""
					if t.ExpiresAt != nil {
						expires = *t.ExpiresAt
					}
					tw.AppendRow(table.Row{t.ID, t.ContentItemID, t.Language, t.Type, assignee, t.Outcome, expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ContentItemID, "video", "", "video filter")
	cmd.Flags().StringVar(&f.Language, "language", "", "language filter")
	cmd.Flags().StringVar((*string)(&f.Type), "type", "", "type filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.OrderBy, "order-by", "created", "secondary sort (created, expires)")
	cmd.Flags().BoolVar(&open, "open", false, "open tasks only")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if assignee == "" {
				assignee = viper.GetString("user-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				t, err := e.AssignTask(ctx, args[0], assignee, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee user id (defaults to the acting user)")
	return cmd
}

func taskUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <id>",
		Short: "Unassign task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				t, err := e.UnassignTask(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskDraftCmd() *cobra.Command {
	var complete bool
	cmd := &cobra.Command{
		Use:   "draft <id>",
		Short: "Save a draft version for a work task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				v, err := e.SaveDraft(ctx, args[0], viper.GetString("user-id"), complete)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().BoolVar(&complete, "complete", false, "mark the draft complete and synced")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				t, err := e.CompleteTask(ctx, engine.CompleteOptions{
					TaskID:  args[0],
					ActorID: viper.GetString("user-id"),
					Outcome: domain.Outcome(outcome),
				})
				if err != nil {
					return err
				}
				e.Notify.Wait()
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "judgement for review/approve (approved, rejected)")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	var discardDraft bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				return e.DeleteTask(ctx, args[0], viper.GetString("user-id"), discardDraft)
			})
		},
	}
	cmd.Flags().BoolVar(&discardDraft, "discard-draft", false, "also discard the task's unpublished draft chain")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Clear assignments on expired tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRawEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireSweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("cleared %d expired assignments\n", n)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task transitions, publications, member changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, teamID string) error {
				events, err := e.Repo.LatestEvents(ctx, n, teamID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRawEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "sk_" + hex.EncodeToString(raw)
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					UserID:    viper.GetString("user-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("API key %s created. Secret (save it now, it is not stored):\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	apikey.AddCommand(create)

	apikey.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRawEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})

	apikey.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRawEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})

	return apikey
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, notify.NewDispatcher())
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SUBLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SUBLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Subline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// withEngine opens the workspace DB, migrates it, and resolves the
// active team before running fn.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withRawEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		teamID, _, err := app.ResolveTeamAndSettings(ctx, viper.GetString("team"), viper.GetString("user-id"), e)
		if err != nil {
			return err
		}
		return fn(ctx, e, teamID)
	})
}

// withRawEngine is withEngine without team resolution, for commands
// that create or enumerate teams.
func withRawEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, notify.NewDispatcher())
	return fn(ctx, e)
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
