// Command conflict-demo runs the conflict kit end to end against a local
// SQLite database: detection, policy auto-resolution, a manual-resolution
// round trip, and the history read side.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	conflict "github.com/dayplan-app/conflictkit"
	"github.com/dayplan-app/conflictkit/logging"
	"github.com/dayplan-app/conflictkit/storage/sqlite"
)

func main() {
	// Optional .env for local runs; environment variables win.
	_ = godotenv.Load()

	logging.Init(logging.GetConfigFromEnv())
	ctx := context.Background()

	dsn := os.Getenv("CONFLICT_DB")
	if dsn == "" {
		dsn = "file:conflicts.db"
	}

	store, err := sqlite.NewWithDataSource(dsn)
	if err != nil {
		logging.Error("Failed to open conflict store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	manager := conflict.NewManager(
		conflict.NewDetector(),
		conflict.NewResolver(),
		store,
		conflict.NewHistory(store),
		nil,
	)
	defer manager.Close()

	manager.OnEvent(func(ev conflict.Event) {
		logging.Info("Conflict event",
			slog.String("type", string(ev.Type)),
			slog.String("record_id", ev.Record.ID),
			slog.String("entity", ev.Record.EntityType+"/"+ev.Record.EntityID),
		)
	})

	// A goal edited on two sides: progress merges by max, title needs a
	// human.
	local := conflict.Snapshot{
		"version":  int64(3),
		"title":    "Run a 10k",
		"progress": 80,
	}
	server := conflict.Snapshot{
		"version":  int64(4),
		"title":    "Run 10 kilometres",
		"progress": 60,
	}

	result, err := manager.HandleSyncConflict(ctx, "goal", "goal-42", local, server, nil)
	if err != nil {
		logging.LogError(ctx, err, "HandleSyncConflict failed")
		os.Exit(1)
	}

	fmt.Printf("conflict=%v autoResolved=%v manualFields=%v\n",
		result.HasConflict, result.AutoResolved, result.ManualFields)

	if len(result.ManualFields) > 0 {
		merge, err := manager.ResolveManually(ctx, result.Record.ID,
			map[string]conflict.Side{"title": conflict.SideLocal}, "demo-user")
		if err != nil {
			logging.LogError(ctx, err, "Manual resolution failed")
			os.Exit(1)
		}
		fmt.Printf("manually resolved: title=%v progress=%v\n",
			merge.MergedData["title"], merge.MergedData["progress"])
	}

	stats, err := manager.History().Stats(ctx)
	if err != nil {
		logging.LogError(ctx, err, "Stats failed")
		os.Exit(1)
	}
	fmt.Printf("history: total=%d resolved=%d unresolved=%d\n",
		stats.Total, stats.Resolved, stats.Unresolved)
}
