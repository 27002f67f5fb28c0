package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/inkfield/canvasync/internal/canvas"
	"github.com/inkfield/canvasync/internal/engine"
	"github.com/inkfield/canvasync/internal/remotestore"
	"github.com/inkfield/canvasync/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type clientFlags struct {
	server    string
	token     string
	canvasID  string
	userID    string
	storeDSN  string
	queueFile string
}

func newRootCommand() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:           "canvasync",
		Short:         "collaborative canvas client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
			if flags.server == "" {
				flags.server = strings.TrimSpace(os.Getenv("CANVASYNC_SERVER"))
			}
			if flags.token == "" {
				flags.token = strings.TrimSpace(os.Getenv("CANVASYNC_TOKEN"))
			}
			if flags.canvasID == "" {
				flags.canvasID = strings.TrimSpace(os.Getenv("CANVASYNC_CANVAS"))
			}
			if flags.userID == "" {
				flags.userID = strings.TrimSpace(os.Getenv("CANVASYNC_USER"))
			}
		},
	}
	persistent := cmd.PersistentFlags()
	persistent.StringVar(&flags.server, "server", "", "server base URL, e.g. http://127.0.0.1:8080")
	persistent.StringVar(&flags.token, "token", "", "bearer token")
	persistent.StringVar(&flags.canvasID, "canvas", "", "canvas id")
	persistent.StringVar(&flags.userID, "user", "", "acting user id")
	persistent.StringVar(&flags.storeDSN, "store-dsn", "", "operate on a local store DSN instead of a server")
	persistent.StringVar(&flags.queueFile, "queue-file", "", "persist the offline queue at this path")

	cmd.AddCommand(
		newDrawCommand(flags),
		newEraseCommand(flags),
		newUndoCommand(flags),
		newRedoCommand(flags),
		newClearCommand(flags),
		newShowCommand(flags),
		newWatchCommand(flags),
		newInviteCommand(flags),
		newUninviteCommand(flags),
		newPrivacyCommand(flags),
		newPresenceCommand(flags),
	)
	return cmd
}

func (f *clientFlags) openStore() (store.DocumentStore, error) {
	if f.storeDSN != "" {
		return store.Open(f.storeDSN, log.Default())
	}
	if f.server == "" {
		return nil, fmt.Errorf("either --server or --store-dsn is required")
	}
	return remotestore.New(remotestore.Options{
		BaseURL: f.server,
		Token:   f.token,
		Logger:  log.Default(),
	})
}

func (f *clientFlags) openManager(ctx context.Context) (*engine.Manager, store.DocumentStore, error) {
	if f.canvasID == "" {
		return nil, nil, fmt.Errorf("--canvas is required")
	}
	if f.userID == "" {
		return nil, nil, fmt.Errorf("--user is required")
	}
	docStore, err := f.openStore()
	if err != nil {
		return nil, nil, err
	}
	var queue engine.PendingQueue
	if f.queueFile != "" {
		queue, err = engine.NewFileQueue(f.queueFile)
		if err != nil {
			docStore.Close()
			return nil, nil, err
		}
	}
	manager, err := engine.NewManager(engine.ManagerOptions{
		Store:    docStore,
		CanvasID: f.canvasID,
		UserID:   f.userID,
		Queue:    queue,
		Logger:   log.Default(),
	})
	if err != nil {
		docStore.Close()
		return nil, nil, err
	}
	if err := manager.Load(ctx); err != nil {
		manager.Close()
		docStore.Close()
		return nil, nil, err
	}
	return manager, docStore, nil
}

// runOp loads the canvas, performs one edit, and pushes it to the store
// before exiting. Edits that cannot reach the store stay queued when a
// queue file is configured.
func runOp(flags *clientFlags, fn func(context.Context, *engine.Manager) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager, docStore, err := flags.openManager(ctx)
	if err != nil {
		return err
	}
	defer docStore.Close()
	defer manager.Close()
	if err := fn(ctx, manager); err != nil {
		return err
	}
	if err := manager.Flush(ctx); err != nil {
		if flags.queueFile != "" {
			fmt.Fprintf(os.Stderr, "sync failed, %d edit(s) kept in %s: %v\n", manager.PendingOps(), flags.queueFile, err)
			return nil
		}
		return err
	}
	return nil
}

func newDrawCommand(flags *clientFlags) *cobra.Command {
	var pointsSpec, colorSpec string
	var width float64
	cmd := &cobra.Command{
		Use:   "draw",
		Short: "add a stroke",
		RunE: func(*cobra.Command, []string) error {
			points, err := parsePoints(pointsSpec)
			if err != nil {
				return err
			}
			color, err := parseColor(colorSpec)
			if err != nil {
				return err
			}
			return runOp(flags, func(ctx context.Context, manager *engine.Manager) error {
				id, err := manager.AddStroke(ctx, canvas.Stroke{
					Points: points,
					Color:  color,
					Width:  width,
				})
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pointsSpec, "points", "", "stroke points as x,y;x,y;...")
	cmd.Flags().StringVar(&colorSpec, "color", "ff000000", "stroke color as ARGB hex")
	cmd.Flags().Float64Var(&width, "width", 2, "stroke width")
	_ = cmd.MarkFlagRequired("points")
	return cmd
}

func newEraseCommand(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "erase <stroke-id>",
		Short: "remove a stroke",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runOp(flags, func(ctx context.Context, manager *engine.Manager) error {
				return manager.RemoveStroke(ctx, args[0])
			})
		},
	}
}

func newUndoCommand(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "undo this client's last edit",
		RunE: func(*cobra.Command, []string) error {
			return runOp(flags, func(ctx context.Context, manager *engine.Manager) error {
				applied, err := manager.Undo(ctx)
				if err != nil {
					return err
				}
				if !applied {
					fmt.Println("nothing to undo")
				}
				return nil
			})
		},
	}
}

func newRedoCommand(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "redo",
		Short: "redo this client's last undone edit",
		RunE: func(*cobra.Command, []string) error {
			return runOp(flags, func(ctx context.Context, manager *engine.Manager) error {
				applied, err := manager.Redo(ctx)
				if err != nil {
					return err
				}
				if !applied {
					fmt.Println("nothing to redo")
				}
				return nil
			})
		},
	}
}

func newClearCommand(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "clear the canvas",
		RunE: func(*cobra.Command, []string) error {
			return runOp(flags, func(ctx context.Context, manager *engine.Manager) error {
				return manager.Clear(ctx)
			})
		},
	}
}

func newInviteCommand(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "invite <user-id>",
		Short: "add a team member (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runOp(flags, func(ctx context.Context, manager *engine.Manager) error {
				return manager.InviteMember(ctx, args[0])
			})
		},
	}
}

func newUninviteCommand(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "uninvite <user-id>",
		Short: "remove a team member (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runOp(flags, func(ctx context.Context, manager *engine.Manager) error {
				return manager.RemoveMember(ctx, args[0])
			})
		},
	}
}

func newPrivacyCommand(flags *clientFlags) *cobra.Command {
	var private bool
	cmd := &cobra.Command{
		Use:   "privacy",
		Short: "set canvas privacy (owner only)",
		RunE: func(*cobra.Command, []string) error {
			return runOp(flags, func(ctx context.Context, manager *engine.Manager) error {
				return manager.SetPrivacy(ctx, private)
			})
		},
	}
	cmd.Flags().BoolVar(&private, "private", true, "restrict reads to team members")
	return cmd
}

func newShowCommand(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "print the current canvas state as JSON",
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			manager, docStore, err := flags.openManager(ctx)
			if err != nil {
				return err
			}
			defer docStore.Close()
			defer manager.Close()
			encoded, err := json.MarshalIndent(manager.State(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			fmt.Fprintf(os.Stderr, "status: %s, pending: %d\n", manager.Status(), manager.PendingOps())
			return nil
		},
	}
}

func newWatchCommand(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "stream canvas updates and presence until interrupted",
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			manager, docStore, err := flags.openManager(ctx)
			if err != nil {
				return err
			}
			defer docStore.Close()
			defer manager.Close()

			cancelStates := manager.Subscribe(func(state canvas.State) {
				fmt.Printf("canvas %s version %d, %d stroke(s)\n", state.CanvasID, state.Version, state.StrokeCount())
			})
			defer cancelStates()

			tracker, err := engine.NewPresenceTracker(ctx, engine.PresenceTrackerOptions{
				Store:    docStore,
				CanvasID: flags.canvasID,
			})
			if err != nil {
				return err
			}
			defer tracker.Close()
			cancelPresence := tracker.Subscribe(func(entries []canvas.PresenceEntry) {
				names := make([]string, 0, len(entries))
				for _, entry := range entries {
					names = append(names, entry.UserID)
				}
				fmt.Printf("present: %s\n", strings.Join(names, ", "))
			})
			defer cancelPresence()

			<-ctx.Done()
			return nil
		},
	}
}

func newPresenceCommand(flags *clientFlags) *cobra.Command {
	var x, y float64
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "publish this user's cursor position, then withdraw it",
		RunE: func(*cobra.Command, []string) error {
			if flags.canvasID == "" || flags.userID == "" {
				return fmt.Errorf("--canvas and --user are required")
			}
			docStore, err := flags.openStore()
			if err != nil {
				return err
			}
			defer docStore.Close()
			publisher, err := engine.NewPresencePublisher(engine.PresencePublisherOptions{
				Store:       docStore,
				CanvasID:    flags.canvasID,
				UserID:      flags.userID,
				DisplayName: flags.userID,
				Logger:      log.Default(),
			})
			if err != nil {
				return err
			}
			publisher.Update(canvas.Point{X: x, Y: y})
			time.Sleep(hold)
			return publisher.Close()
		},
	}
	cmd.Flags().Float64Var(&x, "x", 0, "cursor x")
	cmd.Flags().Float64Var(&y, "y", 0, "cursor y")
	cmd.Flags().DurationVar(&hold, "hold", time.Second, "how long to stay present")
	return cmd
}

// parsePoints turns "x,y;x,y" into stroke points.
func parsePoints(spec string) ([]canvas.Point, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("at least one point is required")
	}
	var points []canvas.Point
	for _, pair := range strings.Split(spec, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		coords := strings.Split(pair, ",")
		if len(coords) != 2 {
			return nil, fmt.Errorf("invalid point %q, want x,y", pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(coords[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid x in %q: %v", pair, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(coords[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid y in %q: %v", pair, err)
		}
		points = append(points, canvas.Point{X: x, Y: y})
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("at least one point is required")
	}
	return points, nil
}

// parseColor accepts ARGB hex with or without a leading #. Six digits get
// an opaque alpha.
func parseColor(spec string) (uint32, error) {
	spec = strings.TrimPrefix(strings.TrimSpace(spec), "#")
	switch len(spec) {
	case 6:
		spec = "ff" + spec
	case 8:
	default:
		return 0, fmt.Errorf("invalid color %q, want 6 or 8 hex digits", spec)
	}
	value, err := strconv.ParseUint(spec, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid color %q: %v", spec, err)
	}
	return uint32(value), nil
}
