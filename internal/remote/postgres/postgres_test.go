package postgres

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	"github.com/silvachamo/agrosync/internal/remote"
	"github.com/silvachamo/agrosync/pkg/models"
)

func TestBuildInsert(t *testing.T) {
	query, args := buildInsert("articles", models.Record{
		"title": "Colheita 2026",
		"body":  "texto",
		"tags":  []any{"milho", "soja"},
	})

	want := `INSERT INTO "articles" ("body", "tags", "title") VALUES ($1, $2, $3)`
	if query != want {
		t.Errorf("query = %q\nwant    %q", query, want)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	if args[1] != `["milho","soja"]` {
		t.Errorf("nested value not JSON-encoded: %#v", args[1])
	}
}

func TestBuildInsert_Empty(t *testing.T) {
	query, args := buildInsert("messages", nil)
	if query != `INSERT INTO "messages" DEFAULT VALUES` || len(args) != 0 {
		t.Errorf("unexpected %q %v", query, args)
	}
}

func TestBuildUpdate(t *testing.T) {
	query, args := buildUpdate("companies", "id", "c-1", models.Record{"name": "Agro Lda", "active": true})

	want := `UPDATE "companies" SET "active" = $1, "name" = $2 WHERE "id" = $3`
	if query != want {
		t.Errorf("query = %q\nwant    %q", query, want)
	}
	if len(args) != 3 || args[2] != "c-1" {
		t.Errorf("unexpected args %v", args)
	}
}

func TestBuildDelete_QuotesIdentifiers(t *testing.T) {
	query, _ := buildDelete(`site"copy`, "slug", "home")
	want := `DELETE FROM "site""copy" WHERE "slug" = $1`
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
}

func TestBuildSelect(t *testing.T) {
	query, args, err := buildSelect("articles", []models.Filter{
		{Column: "published", Op: "eq", Value: "true"},
		{Column: "title", Op: "ilike", Value: "%milho%"},
	})
	if err != nil {
		t.Fatalf("buildSelect: %v", err)
	}
	want := `SELECT row_to_json(t) FROM "articles" t WHERE t."published"::text = $1 AND t."title"::text ILIKE $2`
	if query != want {
		t.Errorf("query = %q\nwant    %q", query, want)
	}
	if len(args) != 2 || args[1] != "%milho%" {
		t.Errorf("unexpected args %v", args)
	}

	if _, _, err := buildSelect("articles", []models.Filter{{Column: "a", Op: "in", Value: "x"}}); err == nil {
		t.Error("expected error for unsupported operator")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorKind
	}{
		{"insufficient privilege", &pq.Error{Code: "42501"}, models.KindAuthorization},
		{"invalid password", &pq.Error{Code: "28P01"}, models.KindAuthorization},
		{"undefined table", &pq.Error{Code: "42P01"}, models.KindNotFound},
		{"connection failure", &pq.Error{Code: "08006"}, models.KindTransport},
		{"query canceled", &pq.Error{Code: "57014"}, models.KindTransport},
		{"unique violation", &pq.Error{Code: "23505"}, models.KindRejected},
		{"bad conn", driver.ErrBadConn, models.KindTransport},
		{"wrapped bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), models.KindTransport},
		{"other", errors.New("weird"), models.KindRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("update", "articles", tt.err)
			if got := remote.KindOf(err); got != tt.want {
				t.Errorf("kind = %q, want %q", got, tt.want)
			}
		})
	}
}
