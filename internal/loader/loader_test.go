package loader

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rawblock/cardfraud-engine/internal/condition"
	"github.com/rawblock/cardfraud-engine/internal/ruleset"
	"github.com/rawblock/cardfraud-engine/pkg/models"
)

type fakeSource struct {
	manifest models.ArtifactManifest
	body     []byte
	err      error
	calls    int
}

func (f *fakeSource) Fetch(ctx context.Context, country, key string) (models.ArtifactManifest, []byte, error) {
	f.calls++
	return f.manifest, f.body, f.err
}

func jsonDecoder(b []byte, art *Artifact) error {
	return json.Unmarshal(b, art)
}

func validArtifactBody(t *testing.T) []byte {
	t.Helper()
	art := Artifact{
		SchemaVersion:    1,
		FieldRegistryVer: 1,
		Rules: []RuleSpec{
			{
				ID:       "r1",
				Name:     "high amount decline",
				Action:   "DECLINE",
				Priority: 10,
				Enabled:  true,
				Scope:    ScopeSpec{Scope: "GLOBAL"},
				Conditions: []condition.Spec{
					{Field: "amount", Operator: "GT", Value: 5000.0},
				},
			},
		},
	}
	b, err := json.Marshal(art)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestLoadOnceInstallsValidArtifact(t *testing.T) {
	body := validArtifactBody(t)
	src := &fakeSource{
		manifest: models.ArtifactManifest{Version: 1, Checksum: Checksum(body), SchemaVersion: 1},
		body:     body,
	}
	reg := ruleset.NewRegistry()
	l := New(src, reg, jsonDecoder)

	if err := l.LoadOnce(context.Background(), "US", "auth"); err != nil {
		t.Fatalf("LoadOnce failed: %v", err)
	}
	rs, ok := reg.Get("US", "auth")
	if !ok {
		t.Fatal("expected ruleset to be installed")
	}
	if len(rs.Rules) != 1 {
		t.Errorf("expected 1 compiled rule, got %d", len(rs.Rules))
	}
}

func TestLoadOnceRejectsChecksumMismatch(t *testing.T) {
	body := validArtifactBody(t)
	src := &fakeSource{
		manifest: models.ArtifactManifest{Version: 1, Checksum: "deadbeef", SchemaVersion: 1},
		body:     body,
	}
	reg := ruleset.NewRegistry()
	l := New(src, reg, jsonDecoder)

	if err := l.LoadOnce(context.Background(), "US", "auth"); err == nil {
		t.Error("expected checksum mismatch to fail the load")
	}
	if _, ok := reg.Get("US", "auth"); ok {
		t.Error("expected failed load to not install anything")
	}
}

func TestLoadOnceRejectsOversizedArtifact(t *testing.T) {
	oversized := make([]byte, maxArtifactBytes+1)
	src := &fakeSource{
		manifest: models.ArtifactManifest{Version: 1, SchemaVersion: 1},
		body:     oversized,
	}
	reg := ruleset.NewRegistry()
	l := New(src, reg, jsonDecoder)

	if err := l.LoadOnce(context.Background(), "US", "auth"); err == nil {
		t.Error("expected oversized artifact to be rejected")
	}
}

func TestLoadOnceRejectsFutureSchemaVersion(t *testing.T) {
	body := validArtifactBody(t)
	src := &fakeSource{
		manifest: models.ArtifactManifest{Version: 1, Checksum: Checksum(body), SchemaVersion: maxSchemaVersion + 1},
		body:     body,
	}
	reg := ruleset.NewRegistry()
	l := New(src, reg, jsonDecoder)

	if err := l.LoadOnce(context.Background(), "US", "auth"); err == nil {
		t.Error("expected future schema version to be rejected")
	}
}

func TestLoadOnceRetainsLastKnownGoodOnSubsequentFailure(t *testing.T) {
	good := validArtifactBody(t)
	src := &fakeSource{
		manifest: models.ArtifactManifest{Version: 1, Checksum: Checksum(good), SchemaVersion: 1},
		body:     good,
	}
	reg := ruleset.NewRegistry()
	l := New(src, reg, jsonDecoder)

	if err := l.LoadOnce(context.Background(), "US", "auth"); err != nil {
		t.Fatal(err)
	}

	src.err = errors.New("transient fetch failure")
	_ = l.LoadOnce(context.Background(), "US", "auth")

	rs, ok := reg.Get("US", "auth")
	if !ok || rs.Version != 1 {
		t.Error("expected last-known-good ruleset to remain installed after a failed reload")
	}
}

func TestLoadOnceSkipsReinstallWhenManifestUnchanged(t *testing.T) {
	body := validArtifactBody(t)
	src := &fakeSource{
		manifest: models.ArtifactManifest{Version: 1, Checksum: Checksum(body), SchemaVersion: 1},
		body:     body,
	}
	reg := ruleset.NewRegistry()
	l := New(src, reg, jsonDecoder)

	if err := l.LoadOnce(context.Background(), "US", "auth"); err != nil {
		t.Fatal(err)
	}
	first, _ := reg.Get("US", "auth")

	if err := l.LoadOnce(context.Background(), "US", "auth"); err != nil {
		t.Fatal(err)
	}
	second, _ := reg.Get("US", "auth")

	if first != second {
		t.Error("expected an unchanged manifest version/checksum to skip recompiling and reinstalling the ruleset")
	}
}

type fakeRecorder struct {
	calls []models.ArtifactManifest
}

func (f *fakeRecorder) RecordManifest(ctx context.Context, country, key string, m models.ArtifactManifest) error {
	f.calls = append(f.calls, m)
	return nil
}

func TestLoadOnceRecordsManifestHistoryWhenAttached(t *testing.T) {
	body := validArtifactBody(t)
	src := &fakeSource{
		manifest: models.ArtifactManifest{Version: 1, Checksum: Checksum(body), SchemaVersion: 1},
		body:     body,
	}
	reg := ruleset.NewRegistry()
	l := New(src, reg, jsonDecoder)
	rec := &fakeRecorder{}
	l.SetHistory(rec)

	if err := l.LoadOnce(context.Background(), "US", "auth"); err != nil {
		t.Fatal(err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected 1 manifest history record, got %d", len(rec.calls))
	}
	if rec.calls[0].Version != 1 {
		t.Errorf("expected recorded manifest version 1, got %d", rec.calls[0].Version)
	}

	// A subsequent unchanged reload short-circuits before install and
	// must not record a duplicate history entry.
	if err := l.LoadOnce(context.Background(), "US", "auth"); err != nil {
		t.Fatal(err)
	}
	if len(rec.calls) != 1 {
		t.Errorf("expected no additional history record for an unchanged reload, got %d calls", len(rec.calls))
	}
}
