package quotactl

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"cropdoc/pkg/domain"
	"cropdoc/pkg/store"
	"cropdoc/services/diagnosis/internal/app"
)

func newOpener(t *testing.T, mem *store.MemoryStore) Opener {
	t.Helper()
	return func(string) (*app.App, error) {
		return app.New(app.Config{Store: mem, DefaultMaxSubmissions: 10})
	}
}

func run(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSetMaxThenStatus(t *testing.T) {
	mem := store.NewMemoryStore()
	open := newOpener(t, mem)

	if _, err := run(t, open, "set-max", "user-1", "25", "--month", "2025-04", "-o", "json"); err != nil {
		t.Fatalf("set-max: %v", err)
	}
	out, err := run(t, open, "status", "user-1", "--month", "2025-04", "-o", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var view statusView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if view.Max != 25 || view.Used != 0 || view.Remaining != 25 || view.Month != "2025-04" {
		t.Fatalf("unexpected status %+v", view)
	}
}

func TestStatusDefaultsForUnknownUser(t *testing.T) {
	color.NoColor = true
	out, err := run(t, newOpener(t, store.NewMemoryStore()), "status", "nobody", "--month", "2025-04")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "nobody (2025-04)") || !strings.Contains(out, "remaining: 10") {
		t.Fatalf("unexpected human output:\n%s", out)
	}
}

func TestHistoryListsNewestFirst(t *testing.T) {
	mem := store.NewMemoryStore()
	base := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	for i, crop := range []string{"Maize", "Cassava"} {
		rec := domain.DiagnosisRecord{
			ID:        "diag-" + crop,
			UserID:    "user-1",
			CropType:  crop,
			Result:    domain.DiagnosisResult{DiseaseName: "Rust", Confidence: domain.ConfidenceLow},
			Status:    domain.StatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := mem.SaveDiagnosis(context.Background(), rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	out, err := run(t, newOpener(t, mem), "history", "user-1", "-o", "json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var items []historyItem
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("decode history: %v\n%s", err, out)
	}
	if len(items) != 2 || items[0].CropType != "Cassava" || items[1].CropType != "Maize" {
		t.Fatalf("unexpected history %+v", items)
	}
}

func TestRejectsBadInput(t *testing.T) {
	open := newOpener(t, store.NewMemoryStore())
	cases := [][]string{
		{"status", "user-1", "-o", "xml"},
		{"status", "user-1", "--month", "April"},
		{"set-max", "user-1", "ten"},
		{"set-max", "user-1", "-1", "--month", "2025-04"},
		{"set-max", "user-1", "0", "--month", "2025-04"},
		{"status"},
	}
	for _, args := range cases {
		if _, err := run(t, open, args...); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}
