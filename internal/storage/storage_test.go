package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "shoutbot/pkg/logx"
)

type pluginDoc struct {
	Enabled   bool   `json:"enabled"`
	ChatSites []int  `json:"chat_sites"`
	Cron      string `json:"cron"`
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	var missing pluginDoc
	if err := LoadDoc(ctx, s, "plugin/groupchat", &missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadDoc missing: err = %v, want ErrNotFound", err)
	}

	want := pluginDoc{Enabled: true, ChatSites: []int{3, 1}, Cron: "0 8 * * *"}
	if err := SaveDoc(ctx, s, "plugin/groupchat", want); err != nil {
		t.Fatalf("SaveDoc: %v", err)
	}
	var got pluginDoc
	if err := LoadDoc(ctx, s, "plugin/groupchat", &got); err != nil {
		t.Fatalf("LoadDoc: %v", err)
	}
	if got.Cron != want.Cron || len(got.ChatSites) != 2 || got.ChatSites[0] != 3 {
		t.Fatalf("doc = %+v, want %+v", got, want)
	}

	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r := RunRecord{
			ID:         fmt.Sprintf("run-%d", i),
			Plugin:     "groupchat",
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			OK:         i,
		}
		if err := s.AppendRun(ctx, r); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	runs, err := s.ListRuns(ctx, "groupchat", 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-4" || runs[1].ID != "run-3" {
		t.Fatalf("runs = %+v", runs)
	}
	if other, _ := s.ListRuns(ctx, "inbox", 0); len(other) != 0 {
		t.Fatalf("expected no runs for other plugin, got %d", len(other))
	}

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := s.PutDedup(ctx, "inbox:alpha:42", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	gotUntil, ok, err := s.GetDedup(ctx, "inbox:alpha:42")
	if err != nil || !ok || !gotUntil.Equal(until) {
		t.Fatalf("GetDedup = %v %v %v, want %v", gotUntil, ok, err, until)
	}
	if _, ok, _ := s.GetDedup(ctx, "nope"); ok {
		t.Fatal("unexpected dedup hit")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemory(3))
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "shoutbot.db")
	cfg := Config{Driver: "file", Path: path, HistorySize: 3}

	s, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	ctx := context.Background()
	var doc pluginDoc
	if err := LoadDoc(ctx, s2, "plugin/groupchat", &doc); err != nil {
		t.Fatalf("LoadDoc after reopen: %v", err)
	}
	if !doc.Enabled {
		t.Fatalf("doc lost after reopen: %+v", doc)
	}
	runs, _ := s2.ListRuns(ctx, "groupchat", 0)
	if len(runs) != 3 || runs[0].ID != "run-4" {
		t.Fatalf("runs after reopen = %+v", runs)
	}
	if _, ok, _ := s2.GetDedup(ctx, "inbox:alpha:42"); !ok {
		t.Fatal("dedup mark lost after reopen")
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "s.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
