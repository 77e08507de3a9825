package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	file, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	sqlite, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = file.Close()
		_ = sqlite.Close()
	})
	return map[string]Store{"file": file, "sqlite": sqlite}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none"} {
		if _, err := Open(Config{Driver: driver}, logx.Nop()); !errors.Is(err, ErrDisabled) {
			t.Fatalf("driver %q: err = %v, want ErrDisabled", driver, err)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil || errors.Is(err, ErrDisabled) {
		t.Fatalf("unknown driver: err = %v", err)
	}
}

func TestEnsureTenantIdempotent(t *testing.T) {
	t.Parallel()

	for name, s := range openDrivers(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				if err := s.EnsureTenant(ctx, "alice"); err != nil {
					t.Fatalf("EnsureTenant: %v", err)
				}
			}
			if err := s.EnsureTenant(ctx, "bob"); err != nil {
				t.Fatalf("EnsureTenant: %v", err)
			}

			recs, err := s.ListTenants(ctx)
			if err != nil {
				t.Fatalf("ListTenants: %v", err)
			}
			if len(recs) != 2 {
				t.Fatalf("tenants = %d, want 2", len(recs))
			}
			if recs[0].ID != "alice" || recs[1].ID != "bob" {
				t.Fatalf("tenants = %v, %v", recs[0].ID, recs[1].ID)
			}
		})
	}
}

func TestLoadReturnsDefaultsWhenUnsaved(t *testing.T) {
	t.Parallel()

	for name, s := range openDrivers(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			cfg, err := s.LoadTenantConfig(context.Background(), "nobody")
			if err != nil {
				t.Fatalf("LoadTenantConfig: %v", err)
			}
			want := AntiBanSettings{
				DelayBetweenGroups:   5,
				DelayBetweenMessages: 2,
				MaxGroupsPerBatch:    10,
				BatchDelay:           30,
			}
			if cfg.AntiBan != want {
				t.Fatalf("defaults = %+v, want %+v", cfg.AntiBan, want)
			}
			if len(cfg.Schedules) != 0 {
				t.Fatalf("default schedules = %d, want 0", len(cfg.Schedules))
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	in := &TenantConfig{
		AntiBan: AntiBanSettings{
			DelayBetweenGroups:   7,
			DelayBetweenMessages: 3,
			MaxGroupsPerBatch:    4,
			BatchDelay:           60,
		},
		Schedules: []ScheduleDefinition{{
			ID:             "s1",
			Name:           "morning",
			Active:         true,
			Minute:         15,
			Hour:           8,
			Days:           []int{1, 3, 5},
			SelectedGroups: []transport.RecipientID{"g1", "g2"},
		}},
		Content: ContentConfig{YouTubeAPIKey: "key", ChannelID: "chan"},
	}

	for name, s := range openDrivers(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.SaveTenantConfig(ctx, "alice", in); err != nil {
				t.Fatalf("SaveTenantConfig: %v", err)
			}
			got, err := s.LoadTenantConfig(ctx, "alice")
			if err != nil {
				t.Fatalf("LoadTenantConfig: %v", err)
			}
			if got.AntiBan != in.AntiBan {
				t.Fatalf("antiban = %+v, want %+v", got.AntiBan, in.AntiBan)
			}
			if got.Content != in.Content {
				t.Fatalf("content = %+v, want %+v", got.Content, in.Content)
			}
			if len(got.Schedules) != 1 {
				t.Fatalf("schedules = %d, want 1", len(got.Schedules))
			}
			sd := got.Schedules[0]
			if sd.ID != "s1" || !sd.Active || sd.Minute != 15 || sd.Hour != 8 {
				t.Fatalf("schedule = %+v", sd)
			}
			if len(sd.Days) != 3 || len(sd.SelectedGroups) != 2 {
				t.Fatalf("schedule lists = %v / %v", sd.Days, sd.SelectedGroups)
			}

			// Last write wins.
			second := &TenantConfig{AntiBan: in.AntiBan}
			second.AntiBan.BatchDelay = 90
			if err := s.SaveTenantConfig(ctx, "alice", second); err != nil {
				t.Fatalf("second save: %v", err)
			}
			got, err = s.LoadTenantConfig(ctx, "alice")
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if got.AntiBan.BatchDelay != 90 || len(got.Schedules) != 0 {
				t.Fatalf("after overwrite: %+v", got)
			}
		})
	}
}

func TestInstallableAndValid(t *testing.T) {
	t.Parallel()

	base := ScheduleDefinition{
		Active:         true,
		Minute:         0,
		Hour:           12,
		Days:           []int{0, 6},
		SelectedGroups: []transport.RecipientID{"g"},
	}
	if !base.Installable() || !base.Valid() {
		t.Fatal("base definition should be installable and valid")
	}

	cases := []struct {
		name   string
		mutate func(*ScheduleDefinition)
		want   bool
	}{
		{"inactive", func(d *ScheduleDefinition) { d.Active = false }, false},
		{"no days", func(d *ScheduleDefinition) { d.Days = nil }, false},
		{"no groups", func(d *ScheduleDefinition) { d.SelectedGroups = nil }, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := base
			tc.mutate(&d)
			if got := d.Installable(); got != tc.want {
				t.Fatalf("Installable = %v, want %v", got, tc.want)
			}
		})
	}

	invalid := []ScheduleDefinition{
		{Minute: -1, Hour: 12, Days: []int{1}},
		{Minute: 60, Hour: 12, Days: []int{1}},
		{Minute: 0, Hour: 24, Days: []int{1}},
		{Minute: 0, Hour: 12, Days: []int{7}},
	}
	for i, d := range invalid {
		if d.Valid() {
			t.Fatalf("case %d: Valid = true, want false", i)
		}
	}
}
