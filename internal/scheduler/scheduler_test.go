package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/db"
	"github.com/blockgate-project/blockgate/internal/events"
)

func TestNextCleanupTime(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 3, 10, 12, 30, 0, 0, loc)

	tests := []struct {
		clock string
		want  time.Time
	}{
		{"04:00", time.Date(2024, 3, 11, 4, 0, 0, 0, loc)},
		{"18:45", time.Date(2024, 3, 10, 18, 45, 0, 0, loc)},
		{"12:30", time.Date(2024, 3, 11, 12, 30, 0, 0, loc)},
		{"", time.Date(2024, 3, 11, 4, 0, 0, 0, loc)},
		{"25:99", time.Date(2024, 3, 11, 4, 0, 0, 0, loc)},
		{"noon", time.Date(2024, 3, 11, 4, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := nextCleanupTime(tt.clock, now); !got.Equal(tt.want) {
			t.Errorf("nextCleanupTime(%q) = %v; want %v", tt.clock, got, tt.want)
		}
	}
}

func TestCleanupPrunesOnlyExpiredClosedRows(t *testing.T) {
	cl, err := db.NewConnectionLog(filepath.Join(t.TempDir(), "connections.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -10)
	rows := []events.ConnectionPayload{
		{ConnID: 1, Remote: "10.0.0.1:1", At: old},
		{ConnID: 2, Remote: "10.0.0.2:1", At: old},
		{ConnID: 3, Remote: "10.0.0.3:1", At: time.Now()},
	}
	for _, r := range rows {
		if err := cl.Opened(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []uint64{1, 3} {
		if err := cl.Closed(ctx, events.ConnectionPayload{ConnID: id, Reason: "disconnect.quitting", At: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	s := NewScheduler(config.DatabaseConfig{RetentionDays: 7}, cl, events.NewEventBus())
	s.runCleanup(ctx)

	recs, err := cl.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records after cleanup; want 2", len(recs))
	}
	for _, r := range recs {
		if r.ConnID == 1 {
			t.Error("expired closed connection survived cleanup")
		}
	}
}
