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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/firmware"
	"fleetline/internal/logging"
	"fleetline/internal/migrate"
	"fleetline/internal/repo"
	"fleetline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fleetline CLI",
	Long: `Fleetline queues commands for polling IoT devices and orchestrates
fleet-wide firmware deployments.
- Devices only ever poll: a heartbeat reports telemetry and collects
  whatever commands were queued since the last one.
- Commands move pending -> sent -> completed|failed and are never edited
  after the device reports an outcome.
- Deployments fan one ota_update command out per target device and watch
  each device until it reports back or its wait budget runs out.
- The workspace is a .fleetline directory holding the SQLite database;
  fleetline.yml next to it tunes intervals, storage, and auth.`,
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
	viper.SetEnvPrefix("FLEETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(firmwareCmd())
	rootCmd.AddCommand(deployCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, logLevel string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			log, err := logging.New(logging.Options{Level: logLevel})
			if err != nil {
				return err
			}
			defer log.Sync()
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			store, err := buildStore(cmd.Context(), workspace, cfg)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, store, log)
			jwtSecret := cfg.Server.JWTSecret
			if v := os.Getenv("FLEETLINE_JWT_SECRET"); v != "" {
				jwtSecret = v
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret is required; set server.jwt_secret or FLEETLINE_JWT_SECRET")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.BasePath(),
				Auth:     server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Heartbeat watchdog: devices that stop polling get flipped
			// offline so deployments never target them.
			go func() {
				ticker := time.NewTicker(cfg.OfflineAfter())
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if _, err := e.SweepStaleDevices(ctx); err != nil {
							log.Warnw("stale device sweep failed", "error", err)
						}
					}
				}
			}()

			srv := &http.Server{Addr: cfg.ListenAddr(), Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Infow("serving fleetline api", "addr", cfg.ListenAddr(), "base_path", cfg.BasePath())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default fleetline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func deviceCmd() *cobra.Command {
	dev := &cobra.Command{
		Use:   "device",
		Short: "Manage registered devices",
	}
	dev.AddCommand(deviceListCmd(false))
	dev.AddCommand(deviceListCmd(true))
	dev.AddCommand(deviceShowCmd())
	dev.AddCommand(deviceSendCmd())
	dev.AddCommand(deviceCommandsCmd())
	dev.AddCommand(deviceDeleteCmd())
	return dev
}

func deviceListCmd(onlineOnly bool) *cobra.Command {
	use, short := "list", "List devices"
	if onlineOnly {
		use, short = "online", "List online devices"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDevices(ctx, onlineOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Firmware", "Last seen"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Name, d.Type, d.Status, d.FirmwareVersion, d.LastSeen})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func deviceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <device-id>",
		Short: "Show a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDevice(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
}

func deviceSendCmd() *cobra.Command {
	var kind, payloadJSON string
	cmd := &cobra.Command{
		Use:   "send <device-id>",
		Short: "Enqueue a command for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Enqueue(ctx, engine.EnqueueOptions{
					DeviceID: args[0],
					Kind:     kind,
					Payload:  payload,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "command kind (e.g. led_control)")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "command payload as JSON")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func deviceCommandsCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "commands <device-id>",
		Short: "List a device's commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCommandsByDevice(ctx, args[0], status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Progress", "Created"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Kind, c.Status, c.Progress, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func deviceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <device-id>...",
		Short: "Delete devices and their history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(args) == 1 {
					if err := e.DeleteDevice(ctx, args[0], viper.GetString("actor-id")); err != nil {
						return err
					}
					fmt.Printf("Deleted %s\n", args[0])
					return nil
				}
				res, err := e.BatchDeleteDevices(ctx, args, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func firmwareCmd() *cobra.Command {
	fw := &cobra.Command{Use: "firmware", Short: "Manage firmware images"}
	fw.AddCommand(firmwareUploadCmd())
	fw.AddCommand(firmwareListCmd())
	fw.AddCommand(firmwareDeleteCmd())
	return fw
}

func firmwareUploadCmd() *cobra.Command {
	var file, version, deviceType, description string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a firmware image",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fw, err := e.UploadFirmware(ctx, engine.UploadFirmwareOptions{
					Version:     version,
					Description: description,
					DeviceType:  deviceType,
					FileName:    filepath.Base(file),
					Data:        data,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(fw)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the firmware binary")
	cmd.Flags().StringVar(&version, "version", "", "firmware version")
	cmd.Flags().StringVar(&deviceType, "device-type", "", "target device type")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func firmwareListCmd() *cobra.Command {
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List firmware images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListFirmware(ctx, includeDeleted)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Type", "Size", "Status", "Uploaded"})
				for _, f := range items {
					tw.AppendRow(table.Row{f.ID, f.Version, f.DeviceType, f.Size, f.Status, f.UploadedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "all", false, "include deleted images")
	return cmd
}

func firmwareDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <firmware-id>",
		Short: "Delete a firmware image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteFirmware(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func deployCmd() *cobra.Command {
	dep := &cobra.Command{Use: "deploy", Short: "Firmware deployments"}
	dep.AddCommand(deployRunCmd())
	dep.AddCommand(deployStatusCmd())
	dep.AddCommand(deployHistoryCmd())
	dep.AddCommand(deployRealtimeCmd())
	dep.AddCommand(deployCancelCmd())
	return dep
}

func deployRunCmd() *cobra.Command {
	var firmwareID, name string
	var devices []string
	var wait bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a deployment and optionally wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				dep, err := e.Deploy(ctx, engine.DeployOptions{
					FirmwareID: firmwareID,
					DeviceIDs:  devices,
					Name:       name,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if !wait {
					return printJSON(dep)
				}
				for {
					p, err := e.DeploymentStatus(ctx, dep.ID)
					if err != nil {
						return err
					}
					if domain.DeploymentTerminal(p.Status) {
						return printJSON(p)
					}
					fmt.Printf("%s: %d%% (%d in flight)\n", p.Status, p.CompletionPercentage, p.InFlightDevices)
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(2 * time.Second):
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&firmwareID, "firmware", "", "firmware id")
	cmd.Flags().StringArrayVar(&devices, "device", []string{}, "target device id (repeatable)")
	cmd.Flags().StringVar(&name, "name", "", "deployment name")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the deployment to finish")
	_ = cmd.MarkFlagRequired("firmware")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func deployStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show deployment progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.DeploymentStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func deployHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.DeploymentHistory(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderDeployments(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func deployRealtimeCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "List deployments in flight",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.RealtimeStatus(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderDeployments(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func deployCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <deployment-id>",
		Short: "Cancel an in-flight deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.CancelDeployment(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func renderDeployments(items []engine.DeploymentProgress) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Done", "Failed", "Total", "%"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CompletedDevices, p.FailedDevices, p.TotalDevices, p.CompletionPercentage})
	}
	tw.Render()
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
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
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "flk_" + hex.EncodeToString(raw)
			k := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("API key %s for %s (store it now, it is not recoverable):\n%s\n", k.ID, actor, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	store, err := buildStore(ctx, workspace, cfg)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, store, logging.Nop())
	return fn(ctx, e)
}

func buildStore(ctx context.Context, workspace string, cfg *config.Config) (firmware.Store, error) {
	switch cfg.Firmware.Storage {
	case "s3":
		return firmware.NewS3Store(ctx, firmware.S3Options{
			Endpoint:  cfg.Firmware.S3.Endpoint,
			Bucket:    cfg.Firmware.S3.Bucket,
			AccessKey: cfg.Firmware.S3.AccessKey,
			SecretKey: cfg.Firmware.S3.SecretKey,
			UseSSL:    cfg.Firmware.S3.UseSSL,
		})
	default:
		dir := cfg.Firmware.Dir
		if dir == "" {
			dir = filepath.Join(workspace, ".fleetline", "firmware")
		}
		return firmware.NewLocalStore(dir)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
