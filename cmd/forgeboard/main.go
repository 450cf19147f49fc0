package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/forgeboard/forgeboard/internal/bus"
	"github.com/forgeboard/forgeboard/internal/config"
	"github.com/forgeboard/forgeboard/internal/notify"
	"github.com/forgeboard/forgeboard/internal/orchestrator"
	"github.com/forgeboard/forgeboard/internal/registry"
	"github.com/forgeboard/forgeboard/internal/schedule"
	"github.com/forgeboard/forgeboard/internal/server"
	"github.com/forgeboard/forgeboard/internal/store"
	"github.com/forgeboard/forgeboard/internal/summarizer"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "forgeboard",
	Short: "forgeboard - agent-driven task board",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, websocket feed and scheduler",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show forgeboard status",
	RunE:  runStatus,
}

var runSessionID string

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run the agent for a task from the command line",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

var bindCmd = &cobra.Command{
	Use:   "bind <project-id> <directory>",
	Short: "Bind a project to a working directory",
	Args:  cobra.ExactArgs(2),
	RunE:  runBind,
}

var unbindCmd = &cobra.Command{
	Use:   "unbind <project-id>",
	Short: "Remove a project's directory binding",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnbind,
}

var bindingsCmd = &cobra.Command{
	Use:   "bindings",
	Short: "List project directory bindings",
	RunE:  runBindings,
}

func init() {
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "resume this agent session instead of the task's stored one")
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, runCmd, bindCmd, unbindCmd, bindingsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openRegistry() *registry.Registry {
	return registry.New(config.RegistryPath(), config.LegacyRegistryPath())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'forgeboard onboard' or set FORGEBOARD_API_KEY / ANTHROPIC_API_KEY")
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := openRegistry()
	eb := bus.NewEventBus(256)
	orc := orchestrator.New(cfg, st, reg, summarizer.New(cfg), nil, eb)

	sched := schedule.NewService(config.JobsPath())
	sched.OnJob = func(job schedule.Job) error {
		task, err := st.GetTask(job.TaskID)
		if err != nil {
			return err
		}
		if task.Status == store.StatusInProgress {
			return fmt.Errorf("task %s is already running", job.TaskID)
		}
		return orc.RunTask(context.Background(), job.TaskID, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eb.Dispatch(ctx)

	if cfg.Notify.Telegram.Enabled {
		notifier, err := notify.NewTelegramNotifier(cfg.Notify.Telegram)
		if err != nil {
			return fmt.Errorf("telegram notifier: %w", err)
		}
		notifier.Attach(eb)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := server.New(cfg, st, reg, orc, eb, sched)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer srv.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nshutting down")
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set FORGEBOARD_API_KEY environment variable")
	fmt.Println("  3. Run 'forgeboard serve' to start the board")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Permission mode: %s\n", cfg.Agent.PermissionMode)
	fmt.Printf("Database: %s\n", cfg.DBPath())
	fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Notify.Telegram.Enabled)

	reg := openRegistry()
	fmt.Printf("Bindings: %d\n", len(reg.List()))

	return nil
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	taskID := args[0]
	task, err := st.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status == store.StatusInProgress {
		return fmt.Errorf("task %s is already running", taskID)
	}

	orc := orchestrator.New(cfg, st, openRegistry(), summarizer.New(cfg), nil, nil)
	if err := orc.RunTask(context.Background(), taskID, runSessionID); err != nil {
		return err
	}

	done, err := st.GetTask(taskID)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s: %s\n", taskID, done.Status)
	return nil
}

func runBind(cmd *cobra.Command, args []string) error {
	reg := openRegistry()
	binding, err := reg.Set(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Bound %s -> %s\n", args[0], binding.Path)
	return nil
}

func runUnbind(cmd *cobra.Command, args []string) error {
	if err := openRegistry().Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("Unbound %s\n", args[0])
	return nil
}

func runBindings(cmd *cobra.Command, args []string) error {
	bindings := openRegistry().List()
	if len(bindings) == 0 {
		fmt.Println("No bindings. Use 'forgeboard bind <project-id> <directory>'")
		return nil
	}

	ids := make([]string, 0, len(bindings))
	for id := range bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("%s  %s\n", id, bindings[id].Path)
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}
