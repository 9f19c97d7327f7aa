package models

import "testing"

func TestOperationKey_DefaultColumn(t *testing.T) {
	op := Operation{Table: "articles", Action: ActionUpdate, Payload: Record{"id": 7, "title": "x"}}
	col, v, err := op.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if col != "id" || v != 7 {
		t.Errorf("got %s=%v, want id=7", col, v)
	}
}

func TestOperationKey_Missing(t *testing.T) {
	op := Operation{Table: "companies", Action: ActionDelete, KeyColumn: "slug", Payload: Record{"id": 1}}
	if _, _, err := op.Key(); err == nil {
		t.Fatal("expected error for missing slug")
	}
}

func TestOperationPatch_DropsKey(t *testing.T) {
	op := Operation{Action: ActionUpdate, Payload: Record{"id": "a1", "name": "Agro", "active": true}}
	patch := op.Patch()
	if _, ok := patch["id"]; ok {
		t.Error("patch still contains key column")
	}
	if len(patch) != 2 {
		t.Errorf("expected 2 columns, got %d", len(patch))
	}
}

func TestOperationClone_Independent(t *testing.T) {
	op := Operation{Payload: Record{"title": "A"}, LastError: &OperationError{Kind: KindTransport}}
	c := op.Clone()
	c.Payload["title"] = "B"
	c.LastError.Kind = KindRejected
	if op.Payload["title"] != "A" {
		t.Error("clone shares payload map")
	}
	if op.LastError.Kind != KindTransport {
		t.Error("clone shares last error")
	}
}

func TestOperationClone_NestedValues(t *testing.T) {
	op := Operation{Payload: Record{
		"id":       "p1",
		"contact":  map[string]any{"phone": "123"},
		"tags":     []any{"organic", map[string]any{"k": "v"}},
		"products": []Record{{"name": "olive oil"}},
	}}
	c := op.Clone()
	c.Payload["contact"].(map[string]any)["phone"] = "999"
	c.Payload["tags"].([]any)[0] = "changed"
	c.Payload["tags"].([]any)[1].(map[string]any)["k"] = "changed"
	c.Payload["products"].([]Record)[0]["name"] = "changed"

	if op.Payload["contact"].(map[string]any)["phone"] != "123" {
		t.Error("clone shares nested map")
	}
	tags := op.Payload["tags"].([]any)
	if tags[0] != "organic" || tags[1].(map[string]any)["k"] != "v" {
		t.Errorf("clone shares nested slice: %v", tags)
	}
	if op.Payload["products"].([]Record)[0]["name"] != "olive oil" {
		t.Error("clone shares nested records")
	}
}

func TestActionValid(t *testing.T) {
	for _, a := range []Action{ActionInsert, ActionUpdate, ActionDelete} {
		if !a.Valid() {
			t.Errorf("%s should be valid", a)
		}
	}
	if Action("upsert").Valid() {
		t.Error("upsert should not be valid")
	}
}

func TestErrorKindRetryable(t *testing.T) {
	if !KindTransport.Retryable() {
		t.Error("transport should be retryable")
	}
	for _, k := range []ErrorKind{KindAuthorization, KindNotFound, KindRejected, KindInvalid, KindPersistence} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}
