// ABOUTME: Entry point for the converse demo client
// ABOUTME: Wires config, store, bus, and engine into an interactive terminal session

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"

	"github.com/troquo/converse/internal/config"
	"github.com/troquo/converse/internal/conversation"
	"github.com/troquo/converse/internal/identity"
	"github.com/troquo/converse/internal/notify"
	"github.com/troquo/converse/internal/presence"
	"github.com/troquo/converse/internal/realtime"
	"github.com/troquo/converse/internal/store"
	"github.com/troquo/converse/internal/typing"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ ___  _ ____   _____ _ __ ___  ___
 / __/ _ \| '_ \ \ / / _ \ '__/ __|/ _ \
| (_| (_) | | | \ V /  __/ |  \__ \  __/
 \___\___/|_| |_|\_/ \___|_|  |___/\___|
`

// getConfigPath returns the path to the converse config file.
// Priority: CONVERSE_CONFIG env var > XDG_CONFIG_HOME/converse/converse.yaml > ~/.config/converse/converse.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONVERSE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "converse.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "converse", "converse.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	token := os.Getenv("CONVERSE_TOKEN")
	if token == "" {
		return fmt.Errorf("CONVERSE_TOKEN is required")
	}
	session, err := identity.ParseSession(token, []byte(cfg.Session.TokenSecret))
	if err != nil {
		return fmt.Errorf("parsing session token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("User:     %s\n", session.UserID())
	if cfg.Redis.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Redis:    %s\n", cfg.Redis.Addr)
	}
	fmt.Println()

	logger.Info("starting converse",
		"config", configPath,
		"database", cfg.Database.Path,
		"user", session.UserID(),
	)

	sqlite, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer sqlite.Close()

	var bus realtime.Bus
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		bus = realtime.NewRedisBus(client, cfg.Redis.Prefix, logger)
	} else {
		bus = realtime.NewMemoryBus(logger)
	}
	defer bus.Close()

	st := store.NewNotifyingStore(sqlite, bus, logger)
	pres := presence.New(session.UserID(), bus, st, cfg.Presence.HeartbeatInterval, logger)
	typ := typing.New(session.UserID(), bus, cfg.Typing.TTL, logger)
	notifier := notify.NewLogNotifier(logger)

	engine := conversation.New(session, st, bus, pres, typ, notifier, logger)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Close()

	return repl(ctx, engine)
}

// repl drives the engine from stdin. One thread is open at a time.
func repl(ctx context.Context, engine *conversation.Engine) error {
	fmt.Println("Commands: ls | open <user> [listing] | send <text> | read | typing | quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var curUser, curListing string
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-engine.Updates():
			// Coalesced; the next render picks up the change.

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
			switch cmd {
			case "", "#":
				// skip blanks and comments

			case "ls":
				printConversations(engine)

			case "open":
				user, listing, _ := strings.Cut(rest, " ")
				if user == "" {
					fmt.Println("usage: open <user> [listing]")
					continue
				}
				engine.OpenThread(ctx, user, listing)
				curUser, curListing = user, listing
				fmt.Printf("opened thread with %s\n", store.ScopeKey(user, listing))

			case "send":
				if curUser == "" {
					fmt.Println("open a thread first")
					continue
				}
				if !engine.SendMessage(ctx, curUser, rest, curListing) {
					color.Red("message rejected: empty content")
					continue
				}
				printThread(engine)

			case "read":
				if curUser == "" {
					fmt.Println("open a thread first")
					continue
				}
				engine.MarkAsRead(ctx, curUser, curListing)

			case "typing":
				if curUser == "" {
					fmt.Println("open a thread first")
					continue
				}
				engine.SendTyping(ctx, store.ScopeKey(curUser, curListing), true)

			case "thread":
				printThread(engine)

			case "quit", "exit":
				return nil

			default:
				fmt.Printf("unknown command: %s\n", cmd)
			}
		}
	}
}

func printConversations(engine *conversation.Engine) {
	convs := engine.Conversations()
	if len(convs) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, conv := range convs {
		line := fmt.Sprintf("%-24s", conv.CounterpartyID)
		if conv.ListingID != "" {
			line += " [" + conv.ListingID + "]"
		}
		if conv.LastMessage != nil {
			line += "  " + conv.LastMessage.Content
		}
		if conv.UnreadCount > 0 {
			line += color.YellowString("  (%d unread)", conv.UnreadCount)
		}
		if conv.IsTyping {
			line += color.CyanString("  typing…")
		}
		line += color.HiBlackString("  " + string(conv.ParticipantStatus))
		fmt.Println(line)
	}
}

func printThread(engine *conversation.Engine) {
	for _, msg := range engine.Messages() {
		ts := color.HiBlackString(msg.CreatedAt.Format("15:04:05"))
		fmt.Printf("%s %s: %s\n", ts, msg.SenderID, msg.Content)
	}
}

func setupLogger(cfg config.Logging) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler renders compact colorized log lines so engine output stays
// readable between repl prompts. Writes are serialized by the mutex.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	buf.WriteByte(' ')
	buf.WriteString(levelTag(r.Level))
	buf.WriteByte(' ')
	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		writeAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, a)
		return true
	})

	buf.WriteByte('\n')
	fmt.Print(buf.String())
	return nil
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR")
	case level >= slog.LevelWarn:
		return color.YellowString("WRN")
	case level >= slog.LevelInfo:
		return color.CyanString("INF")
	default:
		return color.MagentaString("DBG")
	}
}

func writeAttr(buf *strings.Builder, a slog.Attr) {
	buf.WriteString(color.HiBlackString(" " + a.Key + "="))
	buf.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &colorHandler{level: h.level, attrs: merged}
}

// WithGroup is accepted but not rendered; repl log lines stay flat.
func (h *colorHandler) WithGroup(string) slog.Handler { return h }
