package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/geotoolkit/geotoolkit/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func completedScan(t *testing.T, projectID uuid.UUID) *models.Scan {
	t.Helper()
	scan := models.NewScan(projectID)
	if err := scan.Start(); err != nil {
		t.Fatal(err)
	}
	_ = scan.AppendFindings(
		models.NewFinding(models.ToolSemgrep, "hardcoded secret", "high"),
		models.NewFinding(models.ToolTrivy, "outdated dependency", "medium"),
		models.NewFinding(models.ToolZAP, "missing header", "low"),
	)
	_ = scan.RecordOutcome(models.RunnerOutcome{Tool: models.ToolSemgrep, Outcome: models.OutcomeSuccess, Findings: 1})
	if err := scan.Complete(); err != nil {
		t.Fatal(err)
	}
	return scan
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := &models.Project{ID: uuid.New(), Name: "webapp"}
	scan := completedScan(t, p.ID)

	if err := store.Save(ctx, p, scan); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, scan.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != scan.ID || got.Status != models.ScanCompleted {
		t.Errorf("got %s %s", got.ID, got.Status)
	}
	if len(got.Findings) != 3 {
		t.Errorf("findings = %d, want 3", len(got.Findings))
	}
	if got.Findings[0].Description != "hardcoded secret" {
		t.Errorf("finding order lost: %q", got.Findings[0].Description)
	}
	if len(got.RunnerOutcomes) != 1 {
		t.Errorf("outcomes = %d", len(got.RunnerOutcomes))
	}
}

func TestSaveRejectsNonTerminalScan(t *testing.T) {
	store := openTestStore(t)

	p := &models.Project{ID: uuid.New(), Name: "webapp"}
	scan := models.NewScan(p.ID)
	_ = scan.Start()

	if err := store.Save(context.Background(), p, scan); err == nil {
		t.Fatal("running scan must not be archived")
	}
}

func TestRecentSummaries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := &models.Project{ID: uuid.New(), Name: "webapp"}
	for i := 0; i < 3; i++ {
		if err := store.Save(ctx, p, completedScan(t, p.ID)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	e := entries[0]
	if e.ProjectName != "webapp" || e.Findings != 3 {
		t.Errorf("entry = %+v", e)
	}
	if e.High != 1 || e.Medium != 1 || e.Low != 1 {
		t.Errorf("severity counts = %d/%d/%d", e.High, e.Medium, e.Low)
	}
}

func TestGetUnknownScan(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), uuid.New()); err == nil {
		t.Fatal("unknown scan must error")
	}
}
