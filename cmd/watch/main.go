// watch connects to the chat backend and prints every change of the synced
// state to the console.
// Usage: go run ./cmd/watch --config configs/watch.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/livesync"
	"github.com/rickgao/livesync/internal/refresh"
	"github.com/rickgao/livesync/internal/stats"
	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/version"
	"github.com/rickgao/livesync/internal/window"
)

func main() {
	configPath := flag.String("config", "configs/watch.yaml", "path to config file")
	rooms := flag.String("rooms", "", "comma-separated room ids to follow (overrides config)")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting watch",
		"version", version.String(),
		"server", cfg.Server.RestURL,
	)

	roomIDs := cfg.Messages.Rooms
	if *rooms != "" {
		roomIDs = strings.Split(*rooms, ",")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	client, _ := livesync.Setup(cfg, logger)
	defer client.Close()

	users := client.Users()
	go printChanges(ctx, "user", users.Changes(), func(id string) string {
		u, ok := users.Get(id)
		if !ok {
			return id
		}
		return fmt.Sprintf("%s (%s) mood=%s", u.Username, u.ID, u.MoodID)
	})
	go printChanges(ctx, "room", client.Rooms().Changes(), func(id string) string {
		r, ok := client.Rooms().Get(id)
		if !ok {
			return id
		}
		return fmt.Sprintf("%s (%s)", r.Name, r.ID)
	})
	go printChanges(ctx, "poll", client.Polls().Changes(), func(id string) string {
		p, ok := client.Polls().Get(id)
		if !ok {
			return id
		}
		return fmt.Sprintf("%q votes=%d", p.Question, p.TotalVotes())
	})
	go printStats(ctx, client.MoodStats().Updates())

	for _, id := range roomIDs {
		id = strings.TrimSpace(id)
		go printRoom(ctx, id, client.Room(id).Deltas())
	}

	ended := client.SessionEnded()
	defer ended.Close()
	go func() {
		select {
		case err, ok := <-ended.C():
			if ok {
				logger.Error("session ended by server", "error", err)
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	conn, err := client.Connect(ctx)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	go func() {
		for up := range conn.C() {
			logger.Info("connectivity", "connected", up)
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := client.Manager().Stats()
				logger.Info("stats",
					"state", st.State.String(),
					"channel_id", st.ChannelID,
					"reconnects", st.Reconnects,
					"topics", st.Topics,
					"users", users.Len(),
					"rooms_open", len(client.OpenRooms()),
				)
			}
		}
	}()

	if cfg.Requests.RefreshInterval > 0 {
		rcfg := refresh.DefaultConfig()
		rcfg.Interval = cfg.Requests.RefreshInterval
		rcfg.Timeout = cfg.Requests.Timeout
		refresher := refresh.New(rcfg, client, logger)
		refresher.Start(ctx)
		defer refresher.Stop(context.Background())
	}

	logger.Info("watching - press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("shutting down...")
}

func printChanges(ctx context.Context, kind string, changes *stream.Stream[cache.Change], describe func(id string) string) {
	defer changes.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes.C():
			if !ok {
				return
			}
			switch ch.Kind {
			case cache.ChangeSnapshot, cache.ChangeCleared:
				fmt.Printf("[%s] %s\n", strings.ToUpper(kind), ch.Kind)
			default:
				fmt.Printf("[%s] %s %s\n", strings.ToUpper(kind), ch.Kind, describe(ch.ID))
			}
		}
	}
}

func printRoom(ctx context.Context, roomID string, deltas *stream.Stream[window.Delta]) {
	defer deltas.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deltas.C():
			if !ok {
				return
			}
			fmt.Printf("[ROOM %s] %s %d messages (more=%v)\n", roomID, d.Kind, len(d.Messages), d.HasMore)
			if d.Kind != window.DeltaAppend {
				continue
			}
			for _, m := range d.Messages {
				fmt.Printf("  %s %s: %s\n", m.CreatedAt.Format(time.TimeOnly), m.SenderID, m.Content)
			}
		}
	}
}

func printStats(ctx context.Context, updates *stream.Stream[stats.Snapshot]) {
	defer updates.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates.C():
			if !ok {
				return
			}
			parts := make([]string, 0, len(s.Moods))
			for _, mc := range s.Moods {
				parts = append(parts, fmt.Sprintf("%s=%d", mc.Mood.Name, mc.Users))
			}
			fmt.Printf("[MOODS] %s unset=%d total=%d\n", strings.Join(parts, " "), s.Unset, s.Total)
		}
	}
}
