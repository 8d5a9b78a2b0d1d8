package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/models"
)

func testDocument(id, jobID, url, markdown string) *models.Document {
	return &models.Document{
		ID:          id,
		JobID:       jobID,
		ContentHash: models.HashContent(markdown),
		URL:         url,
		Title:       "Getting Started",
		TitleHash:   models.HashTitle("Getting Started"),
		Markdown:    markdown,
		TextLength:  len(markdown),
		Fetcher:     "http",
		StatusCode:  200,
	}
}

func TestUpsertDocumentContentHashIdentity(t *testing.T) {
	db := newTestDB(t)
	storage := NewDocumentStorage(db, arbor.NewLogger())
	ctx := context.Background()

	first := testDocument("doc-1", "job-1", "https://d.example.com/guide", "# Guide\n\nHello.")
	id, created, err := storage.UpsertDocument(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if !created || id != "doc-1" {
		t.Errorf("Expected fresh insert of doc-1, got id=%s created=%v", id, created)
	}

	// Identical content from another URL: the first writer's document stands
	dup := testDocument("doc-2", "job-1", "https://d.example.com/guide/index.html", "# Guide\n\nHello.")
	id, created, err = storage.UpsertDocument(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("Expected duplicate content to be deduplicated")
	}
	if id != "doc-1" {
		t.Errorf("Expected winning document doc-1, got %s", id)
	}

	stored, err := storage.GetDocumentByHash(ctx, "job-1", first.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	if stored.URL != "https://d.example.com/guide" {
		t.Errorf("Expected first URL preserved, got %s", stored.URL)
	}

	count, err := storage.CountDocuments(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Expected 1 document, got %d", count)
	}

	// Same content under another job is independent
	other := testDocument("doc-3", "job-2", "https://d.example.com/guide", "# Guide\n\nHello.")
	_, created, err = storage.UpsertDocument(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("Expected insert under a different job")
	}
}

func TestAttachURLAlias(t *testing.T) {
	db := newTestDB(t)
	storage := NewDocumentStorage(db, arbor.NewLogger())
	ctx := context.Background()

	doc := testDocument("doc-1", "job-1", "https://d.example.com/guide", "# Guide")
	if _, _, err := storage.UpsertDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}

	alias := &models.URLAlias{
		JobID:  "job-1",
		DocID:  "doc-1",
		URL:    "https://d.example.com/guide/index.html",
		Reason: models.AliasReasonContentHash,
	}
	attached, err := storage.AttachURLAlias(ctx, alias)
	if err != nil {
		t.Fatal(err)
	}
	if !attached {
		t.Error("Expected first attach to insert")
	}

	// Same URL again, even with another reason, is ignored
	again := &models.URLAlias{
		JobID:  "job-1",
		DocID:  "doc-1",
		URL:    "https://d.example.com/guide/index.html",
		Reason: models.AliasReasonRedirect,
	}
	attached, err = storage.AttachURLAlias(ctx, again)
	if err != nil {
		t.Fatal(err)
	}
	if attached {
		t.Error("Expected repeat attach to be rejected")
	}

	aliases, err := storage.ListAliases(ctx, "job-1", "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(aliases) != 1 || aliases[0].Reason != models.AliasReasonContentHash {
		t.Errorf("Expected one alias with the original reason, got %d", len(aliases))
	}
}

func TestFindDocumentByTitleHash(t *testing.T) {
	db := newTestDB(t)
	storage := NewDocumentStorage(db, arbor.NewLogger())
	ctx := context.Background()

	english := testDocument("doc-1", "job-1", "https://d.example.com/en/guide", "# Guide\n\nEnglish body.")
	english.Language = "en"
	english.FirstSeenAt = time.Now().UTC().Add(-time.Minute)
	if _, _, err := storage.UpsertDocument(ctx, english); err != nil {
		t.Fatal(err)
	}

	found, err := storage.FindDocumentByTitleHash(ctx, "job-1", english.TitleHash)
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != "doc-1" {
		t.Errorf("Expected doc-1, got %s", found.ID)
	}

	if _, err := storage.FindDocumentByTitleHash(ctx, "job-1", "0000000000000000"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown title hash, got %v", err)
	}
}

func TestListDocumentsFirstSeenOrder(t *testing.T) {
	db := newTestDB(t)
	storage := NewDocumentStorage(db, arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().UTC()
	for i, body := range []string{"# One", "# Two", "# Three"} {
		doc := testDocument("doc-"+string(rune('a'+i)), "job-1", "https://d.example.com/"+body[2:], body)
		doc.FirstSeenAt = base.Add(time.Duration(i) * time.Second)
		if _, _, err := storage.UpsertDocument(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := storage.ListDocuments(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Fatalf("Expected 3 documents, got %d", len(docs))
	}
	if docs[0].ID != "doc-a" || docs[2].ID != "doc-c" {
		t.Errorf("Expected first-seen order, got %s .. %s", docs[0].ID, docs[2].ID)
	}
}

func TestDeleteJobDocuments(t *testing.T) {
	db := newTestDB(t)
	storage := NewDocumentStorage(db, arbor.NewLogger())
	ctx := context.Background()

	doc := testDocument("doc-1", "job-1", "https://d.example.com/guide", "# Guide")
	if _, _, err := storage.UpsertDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.AttachURLAlias(ctx, &models.URLAlias{
		JobID: "job-1", DocID: "doc-1", URL: "https://d.example.com/alt", Reason: models.AliasReasonCanonical,
	}); err != nil {
		t.Fatal(err)
	}

	keep := testDocument("doc-2", "job-2", "https://d.example.com/guide", "# Guide")
	if _, _, err := storage.UpsertDocument(ctx, keep); err != nil {
		t.Fatal(err)
	}

	if err := storage.DeleteJobDocuments(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}

	if count, _ := storage.CountDocuments(ctx, "job-1"); count != 0 {
		t.Errorf("Expected job-1 documents gone, got %d", count)
	}
	if aliases, _ := storage.ListJobAliases(ctx, "job-1"); len(aliases) != 0 {
		t.Errorf("Expected job-1 aliases gone, got %d", len(aliases))
	}
	if count, _ := storage.CountDocuments(ctx, "job-2"); count != 1 {
		t.Errorf("Expected job-2 untouched, got %d documents", count)
	}
}
