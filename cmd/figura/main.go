package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/figura3d/figura/internal/imaging"
	"github.com/figura3d/figura/internal/meshy"
	"github.com/figura3d/figura/internal/monitor"
	"github.com/figura3d/figura/internal/secrets"
	"github.com/figura3d/figura/pkg/config"
	"github.com/figura3d/figura/pkg/domain"
	"github.com/figura3d/figura/pkg/persistence"
	_ "github.com/figura3d/figura/pkg/persistence/memory"
	_ "github.com/figura3d/figura/pkg/persistence/redis"
	_ "github.com/figura3d/figura/pkg/persistence/sqlite"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func main() {
	var configPath string
	ui := newUI()

	root := &cobra.Command{
		Use:   "figura",
		Short: "figura CLI",
		Long:  "figura CLI for generating 3D models from images.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.figura/config.yaml)")

	root.AddCommand(authCmd(&configPath, ui))
	root.AddCommand(generateCmd(&configPath, ui))
	root.AddCommand(taskCmd(&configPath, ui))
	root.AddCommand(historyCmd(&configPath, ui))
	root.AddCommand(downloadCmd(&configPath, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

// env holds everything a command needs once the config is resolved.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	client *meshy.Client
	store  persistence.RecordStore
}

func (e *env) close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("closing store", "err", err)
		}
	}
}

func loadEnv(configPath string, needStore bool) (*env, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: newLogger(cfg)}

	key, err := apiKey(cfg)
	if err != nil {
		return nil, err
	}
	e.client = meshy.NewClient(key,
		meshy.WithBaseURL(cfg.APIBaseURL),
		meshy.WithTimeout(time.Duration(cfg.RequestTimeoutSeconds)*time.Second),
	)

	if needStore {
		name, pc := cfg.StoreProvider()
		store, err := persistence.NewStore(pc)
		if err != nil {
			return nil, fmt.Errorf("opening %s store: %w", name, err)
		}
		e.store = store
	}
	return e, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// apiKey resolves the key to use: an explicit FIGURA_API_KEY env value or
// config-file entry wins, otherwise the system keychain.
func apiKey(cfg *config.Config) (string, error) {
	if v := strings.TrimSpace(cfg.APIKey); v != "" {
		return v, nil
	}
	key, err := secrets.Load()
	if errors.Is(err, secrets.ErrNoKey) {
		return "", errors.New("no API key configured (run `figura auth login`)")
	}
	return key, err
}

func authCmd(configPath *string, ui *ui) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage the stored API key",
	}

	var loginKey string
	login := &cobra.Command{
		Use:   "login",
		Short: "Validate and store an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(loginKey)
			if key == "" {
				k, err := promptSecret("API key")
				if err != nil {
					return err
				}
				key = k
			}
			if key == "" {
				return errors.New("api key is required")
			}

			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			client := meshy.NewClient(key, meshy.WithBaseURL(cfg.APIBaseURL))

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Validating key..."
			spin.Start()
			valid := client.ValidateKey(cmd.Context())
			spin.Stop()
			if !valid {
				return errors.New("api key was rejected by the server")
			}
			if err := secrets.Save(key); err != nil {
				return err
			}
			fmt.Printf("%s API key validated and stored in the system keychain\n", ui.ok("[OK]"))
			return nil
		},
	}
	login.Flags().StringVar(&loginKey, "key", "", "API key (prompted when omitted)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the stored API key (masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.Load()
			if errors.Is(err, secrets.ErrNoKey) {
				fmt.Printf("%s API key: <unset>\n", ui.info("•"))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s API key: %s\n", ui.info("•"), maskToken(key))
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets.Delete(); err != nil {
				return err
			}
			fmt.Printf("%s API key removed from the system keychain\n", ui.ok("[OK]"))
			return nil
		},
	}

	auth.AddCommand(login, show, clear)
	return auth
}

func generateCmd(configPath *string, ui *ui) *cobra.Command {
	var (
		topology     string
		targetPolys  int
		enablePBR    bool
		shouldRemesh bool
		noDownload   bool
	)
	cmd := &cobra.Command{
		Use:     "generate <image>",
		Short:   "Generate a 3D model from an image",
		Example: "figura generate photo.png --topology quad --target-polycount 30000",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(*configPath, true)
			if err != nil {
				return err
			}
			defer e.close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			dataURI, err := imaging.EncodeDataURI(args[0])
			if err != nil {
				return err
			}
			payload := map[string]any{
				"image_url":  dataURI,
				"enable_pbr": enablePBR,
			}
			if topology != "" {
				payload["topology"] = topology
			}
			if targetPolys > 0 {
				payload["target_polycount"] = targetPolys
			}
			if shouldRemesh {
				payload["should_remesh"] = true
			}

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Submitting task..."
			spin.Start()
			taskID, err := e.client.CreateTask(ctx, payload)
			spin.Stop()
			if err != nil {
				return err
			}
			fmt.Printf("%s Task created: %s\n", ui.ok("[OK]"), taskID)

			options := map[string]any{}
			for k, v := range payload {
				if k != "image_url" {
					options[k] = v
				}
			}
			now := time.Now().UTC().Format(time.RFC3339)
			if err := e.store.Upsert(ctx, domain.TaskRecord{
				TaskID:    taskID,
				CreatedAt: now,
				Status:    string(domain.StatusPending),
				Options:   options,
			}); err != nil {
				e.logger.Warn("recording new task", "task", taskID, "err", err)
			}

			if _, err := watchTask(ctx, e, taskID, ui); err != nil {
				return err
			}
			if noDownload {
				return nil
			}
			dest, err := fetchModel(ctx, e, taskID)
			if err != nil {
				return err
			}
			fmt.Printf("%s Model saved to %s\n", ui.ok("[OK]"), dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&topology, "topology", "", "Mesh topology: quad|triangle")
	cmd.Flags().IntVar(&targetPolys, "target-polycount", 0, "Target polygon count")
	cmd.Flags().BoolVar(&enablePBR, "pbr", false, "Generate PBR maps")
	cmd.Flags().BoolVar(&shouldRemesh, "remesh", false, "Remesh the generated model")
	cmd.Flags().BoolVar(&noDownload, "no-download", false, "Skip downloading the model on success")
	return cmd
}

// watchTask runs a monitoring session and renders its updates. It returns
// the terminal snapshot on success.
func watchTask(ctx context.Context, e *env, taskID string, ui *ui) (domain.Snapshot, error) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Generating"),
		progressbar.OptionSetWidth(18),
		progressbar.OptionClearOnFinish(),
	)

	m := monitor.New(e.client, e.store, taskID,
		monitor.WithInterval(time.Duration(e.cfg.PollIntervalSeconds)*time.Second),
		monitor.WithLogger(e.logger),
	)

	var final domain.Snapshot
	failed := ""
	completed := false
	for u := range m.Start(ctx) {
		switch u.Kind {
		case monitor.UpdateStatus:
			bar.Describe("Generating (" + u.Status + ")")
		case monitor.UpdateProgress:
			_ = bar.Set(u.Progress)
		case monitor.UpdateCompleted:
			_ = bar.Finish()
			final = u.Snapshot
			completed = true
		case monitor.UpdateFailed:
			failed = u.Reason
		}
	}
	_ = bar.Clear()

	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, errors.New("canceled")
	}
	if failed != "" {
		return domain.Snapshot{}, errors.New(failed)
	}
	if !completed {
		return domain.Snapshot{}, errors.New("monitoring ended without a result")
	}
	fmt.Printf("%s Generation succeeded: %s\n", ui.ok("[OK]"), taskID)
	return final, nil
}

// fetchModel downloads the task's model into the configured download dir
// and records the local path. The filename carries a random suffix so
// repeated downloads never clobber each other.
func fetchModel(ctx context.Context, e *env, taskID string) (string, error) {
	rec, err := e.store.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	rawURL, err := domain.ResolveModelURL(*rec, time.Now())
	if err != nil {
		return "", err
	}

	ext := filepath.Ext(strings.SplitN(rawURL, "?", 2)[0])
	if ext == "" {
		ext = ".glb"
	}
	name := taskID + "-" + uuid.NewString()[:8] + ext
	dest := filepath.Join(e.cfg.DownloadDir, name)

	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = " Downloading model..."
	spin.Start()
	err = e.client.DownloadFile(ctx, rawURL, dest)
	spin.Stop()
	if err != nil {
		return "", err
	}

	rec.LocalModelPath = dest
	if err := e.store.Upsert(ctx, *rec); err != nil {
		e.logger.Warn("recording local model path", "task", taskID, "err", err)
	}
	return dest, nil
}

func taskCmd(configPath *string, ui *ui) *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Task operations",
	}

	var watch bool
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a task and refresh its stored record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			e, err := loadEnv(*configPath, true)
			if err != nil {
				return err
			}
			defer e.close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if watch {
				if _, err := watchTask(ctx, e, taskID, ui); err != nil {
					return err
				}
			} else {
				spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
				spin.Suffix = " Fetching task..."
				spin.Start()
				snap, err := e.client.GetTask(ctx, taskID)
				spin.Stop()
				if err != nil {
					return err
				}

				stored, err := e.store.Get(ctx, taskID)
				if err != nil && !errors.Is(err, persistence.ErrNotFound) {
					return err
				}
				base := domain.TaskRecord{TaskID: taskID, Status: string(domain.StatusPending)}
				if stored != nil {
					base = *stored
				}
				merged := domain.Merge(base, snap)
				if merged.CreatedAt == "" {
					merged.CreatedAt = time.Now().UTC().Format(time.RFC3339)
				}
				if err := e.store.Upsert(ctx, merged); err != nil {
					e.logger.Warn("refreshing record", "task", taskID, "err", err)
				}
			}

			rec, err := e.store.Get(ctx, taskID)
			if err != nil {
				return err
			}
			printRecord(rec, ui)
			return nil
		},
	}
	get.Flags().BoolVar(&watch, "watch", false, "Monitor until the task finishes")

	task.AddCommand(get)
	return task
}

func historyCmd(configPath *string, ui *ui) *cobra.Command {
	history := &cobra.Command{
		Use:   "history",
		Short: "Local task history",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(*configPath, true)
			if err != nil {
				return err
			}
			defer e.close()

			recs, err := e.store.ListAll(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			if len(recs) == 0 {
				fmt.Println(ui.dim("No tasks recorded."))
				return nil
			}
			for _, rec := range recs {
				status := rec.Status
				switch domain.TaskStatus(rec.Status) {
				case domain.StatusSucceeded:
					status = ui.ok(status)
				case domain.StatusFailed, domain.StatusCanceled:
					status = ui.err(status)
				default:
					status = ui.warn(status)
				}
				progress := ""
				if rec.Progress != nil {
					progress = fmt.Sprintf(" %d%%", *rec.Progress)
				}
				local := ""
				if rec.LocalModelPath != "" {
					local = " " + ui.dim(rec.LocalModelPath)
				}
				fmt.Printf("%s  %s  %s%s%s\n", rec.TaskID, ui.dim(rec.CreatedAt), status, progress, local)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	history.AddCommand(list)
	return history
}

func downloadCmd(configPath *string, ui *ui) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download the model for a stored task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			e, err := loadEnv(*configPath, true)
			if err != nil {
				return err
			}
			defer e.close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rec, err := e.store.Get(ctx, taskID)
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("task %s is not in the local history (try `figura task get %s`)", taskID, taskID)
			}
			if err != nil {
				return err
			}

			rawURL, err := domain.ResolveModelURL(*rec, time.Now())
			if errors.Is(err, domain.ErrModelUnavailable) {
				return fmt.Errorf("no usable model URL for %s; the link may have expired (try `figura task get %s`)", taskID, taskID)
			}
			if err != nil {
				return err
			}

			dest := output
			if dest == "" {
				ext := filepath.Ext(strings.SplitN(rawURL, "?", 2)[0])
				if ext == "" {
					ext = ".glb"
				}
				dest = filepath.Join(e.cfg.DownloadDir, taskID+"-"+uuid.NewString()[:8]+ext)
			}

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Downloading model..."
			spin.Start()
			err = e.client.DownloadFile(ctx, rawURL, dest)
			spin.Stop()
			if err != nil {
				return err
			}

			rec.LocalModelPath = dest
			if err := e.store.Upsert(ctx, *rec); err != nil {
				e.logger.Warn("recording local model path", "task", taskID, "err", err)
			}
			fmt.Printf("%s Model saved to %s\n", ui.ok("[OK]"), dest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination path (default under downloadDir)")
	return cmd
}

func printRecord(rec *domain.TaskRecord, ui *ui) {
	fmt.Printf("%s Task: %s\n", ui.title("figura"), rec.TaskID)
	fmt.Printf("%s Created: %s\n", ui.info("•"), emptyOr(rec.CreatedAt, "<unknown>"))
	fmt.Printf("%s Status:  %s\n", ui.info("•"), rec.Status)
	if rec.Progress != nil {
		fmt.Printf("%s Progress: %d%%\n", ui.info("•"), *rec.Progress)
	}
	if len(rec.ModelURLs) > 0 {
		fmt.Printf("%s Formats: %s\n", ui.info("•"), strings.Join(formatNames(rec.ModelURLs), ", "))
	}
	if rec.LocalModelPath != "" {
		fmt.Printf("%s Local:   %s\n", ui.info("•"), rec.LocalModelPath)
	}
}

func formatNames(urls map[string]string) []string {
	out := make([]string, 0, len(urls))
	for name := range urls {
		out = append(out, name)
	}
	return out
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	b, err := termReadPassword()
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func termReadPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		return []byte(strings.TrimSpace(line)), err
	}
	return term.ReadPassword(fd)
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "<unset>"
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func helpTemplate(ui *ui) string {
	title := ui.title("figura")
	return fmt.Sprintf(`%s — image-to-3D from the command line

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Examples:
  figura auth login
  figura generate photo.png --topology quad --target-polycount 30000
  figura task get 018a1b2c --watch
  figura history list
  figura download 018a1b2c -o model.glb

`, title)
}
