package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"podline/internal/app"
	"podline/internal/config"
	"podline/internal/db"
	"podline/internal/domain"
	"podline/internal/migrate"
	"podline/internal/repo"
	"podline/internal/server"
	podlinesdk "podline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Podline CLI",
	Long: `Podline is a realtime notification and task-update service for teams.
The server persists per-user notifications and fans out transient task
updates over a bidirectional socket or a server-sent push-stream; clients
that lose their connection fall back to polling until the channel heals.
Rooms are scoped per user (notifications) and per team (task updates).`,
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
	viper.SetEnvPrefix("PODLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8787", "server base URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token (or PODLINE_TOKEN)")
	rootCmd.PersistentFlags().String("api-key", "", "API key (or PODLINE_API_KEY)")
	rootCmd.PersistentFlags().String("user", "", "user id for legacy header auth against dev servers")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(watchCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Podline API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("PODLINE_JWT_SECRET"),
				AllowLegacyUserHeader: legacyAuth,
			}
			if authCfg.JWTSecret == "" && !legacyAuth {
				return fmt.Errorf("PODLINE_JWT_SECRET is required (or pass --legacy-auth for local development)")
			}
			handler, err := server.New(server.Config{
				Repo:     a.Repo,
				Hub:      a.Hub,
				Producer: a.Producer,
				Realtime: a.Config,
				BasePath: basePath,
				Auth:     authCfg,
			})
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
			fmt.Printf("Serving Podline API on http://%s%s (stream at %s/notifications/stream, socket at %s/socket)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to podline.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to podline.yml)")
	cmd.Flags().BoolVar(&legacyAuth, "legacy-auth", false, "accept the X-User-Id header instead of signed tokens")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default podline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}

	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user-id is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				secret := "pl_" + hex.EncodeToString(buf)
				k := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", k.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&userID, "user-id", "", "user the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)

	key.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func notificationsCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Short: "List and acknowledge notifications", Aliases: []string{"notif"}}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdkClient()
			got, err := client.Notifications(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(got)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Type", "Title", "Read", "Created"})
			for _, item := range got.Notifications {
				tw.AppendRow(table.Row{item.ID, item.Type, item.Title, item.IsRead, item.CreatedAt})
			}
			tw.Render()
			fmt.Printf("unread: %d\n", got.Count)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "max notifications to fetch")
	n.AddCommand(list)

	var all bool
	markRead := &cobra.Command{
		Use:   "mark-read [id]",
		Short: "Mark one notification read, or --all for everything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdkClient()
			if all {
				return client.MarkAllRead(cmd.Context())
			}
			if len(args) == 0 {
				return fmt.Errorf("pass a notification id or --all")
			}
			return client.MarkRead(cmd.Context(), args[0])
		},
	}
	markRead.Flags().BoolVar(&all, "all", false, "mark every notification read")
	n.AddCommand(markRead)

	var toUser, kind, title, message string
	create := &cobra.Command{
		Use:   "create",
		Short: "Produce a notification for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if toUser == "" || title == "" {
				return fmt.Errorf("--to and --title are required")
			}
			created, err := sdkClient().CreateNotification(cmd.Context(), podlinesdk.Notification{
				UserID:  toUser,
				Type:    kind,
				Title:   title,
				Message: message,
			})
			if err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	create.Flags().StringVar(&toUser, "to", "", "recipient user id")
	create.Flags().StringVar(&kind, "type", "mention", "notification type from the catalog")
	create.Flags().StringVar(&title, "title", "", "notification title")
	create.Flags().StringVar(&message, "message", "", "notification message")
	n.AddCommand(create)
	return n
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var teamID, title, assignee string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" || title == "" {
				return fmt.Errorf("--team and --title are required")
			}
			created, err := sdkClient().CreateTask(cmd.Context(), teamID, title, assignee)
			if err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	create.Flags().StringVar(&teamID, "team", "", "team id")
	create.Flags().StringVar(&title, "title", "", "task title")
	create.Flags().StringVar(&assignee, "assignee", "", "assignee user id")
	task.AddCommand(create)

	task.AddCommand(&cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a task to todo, in_progress, review, or done",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			updated, err := sdkClient().UpdateTaskStatus(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(updated)
		},
	})

	task.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sdkClient().DeleteTask(cmd.Context(), args[0])
		},
	})

	var updateType, taskID, updTeam string
	broadcast := &cobra.Command{
		Use:   "broadcast",
		Short: "Broadcast a transient task update to the team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" || updTeam == "" {
				return fmt.Errorf("--task and --team are required")
			}
			return sdkClient().BroadcastTaskUpdate(cmd.Context(), podlinesdk.TaskUpdate{
				Type:   updateType,
				TaskID: taskID,
				TeamID: updTeam,
			})
		},
	}
	broadcast.Flags().StringVar(&updateType, "type", "updated", "update type: created, updated, or deleted")
	broadcast.Flags().StringVar(&taskID, "task", "", "task id")
	broadcast.Flags().StringVar(&updTeam, "team", "", "team id")
	task.AddCommand(broadcast)
	return task
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage teams"}

	var name string
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sdkClient().CreateTeam(cmd.Context(), args[0], name)
		},
	}
	create.Flags().StringVar(&name, "name", "", "team name")
	team.AddCommand(create)

	team.AddCommand(&cobra.Command{
		Use:   "add-member <team-id> <user-id>",
		Short: "Add a user to a team (the user is notified)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sdkClient().AddTeamMember(cmd.Context(), args[0], args[1])
		},
	})
	return team
}

func watchCmd() *cobra.Command {
	var transport string
	var teams []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream notifications and task updates to the terminal",
		Long: `Opens a realtime session against the server and prints events as they
arrive. While the connection is down the session polls the server every few
seconds, so the list converges either way.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			session := podlinesdk.NewSession(podlinesdk.SessionConfig{
				Client:         sdkClient(),
				Transport:      transportMode(transport, cfg),
				PollInterval:   time.Duration(cfg.Realtime.PollSeconds) * time.Second,
				ReconnectDelay: time.Duration(cfg.Realtime.ReconnectSeconds) * time.Second,
				Heartbeat:      time.Duration(cfg.Realtime.HeartbeatSeconds) * time.Second,
				OnNotification: func(n podlinesdk.Notification) {
					fmt.Printf("[%s] %s: %s\n", n.Type, n.Title, n.Message)
				},
			})
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := session.Start(ctx); err != nil {
				return err
			}
			defer session.Close()
			for _, teamID := range teams {
				id := teamID
				session.Subscribe(id, func(u podlinesdk.TaskUpdate) {
					fmt.Printf("[task %s] %s in team %s\n", u.Type, u.TaskID, id)
				})
			}
			connected, channel := session.Connected()
			fmt.Printf("watching (connected=%v channel=%s unread=%d), Ctrl-C to stop\n", connected, channel, session.UnreadCount())
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "force a channel: socket or stream")
	cmd.Flags().StringSliceVar(&teams, "team", nil, "team ids to follow for task updates")
	return cmd
}

// transportMode maps config transport names onto the SDK's.
func transportMode(flag string, cfg *config.Config) string {
	mode := flag
	if mode == "" {
		mode = cfg.Realtime.Transport
	}
	switch mode {
	case config.TransportSocket:
		return podlinesdk.TransportSocket
	case config.TransportStream:
		return podlinesdk.TransportStream
	default:
		return ""
	}
}

func sdkClient() *podlinesdk.Client {
	client := podlinesdk.New(viper.GetString("server"))
	client.Token = viper.GetString("token")
	client.APIKey = viper.GetString("api-key")
	client.UserID = viper.GetString("user")
	return client
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
