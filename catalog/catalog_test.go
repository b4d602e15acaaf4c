package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/herald/catalog"
)

func ctx() context.Context { return context.Background() }

var amountSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"amount": {"type": "number"}},
	"required": ["amount"]
}`)

func TestCatalogRegisterAndGet(t *testing.T) {
	c := catalog.New(nil)

	if err := c.Register(ctx(), catalog.Definition{
		Name:        "invoice.created",
		Description: "Invoice created",
		Group:       "invoice",
	}); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get("invoice.created")
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "Invoice created" {
		t.Fatalf("got description %q", got.Description)
	}

	if _, err := c.Get("missing.event"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCatalogRegisterRejectsBadInput(t *testing.T) {
	c := catalog.New(nil)

	tests := []struct {
		name string
		def  catalog.Definition
	}{
		{"empty name", catalog.Definition{Name: "  "}},
		{"malformed schema", catalog.Definition{Name: "a.b", Schema: json.RawMessage(`{"type":`)}},
		{"example violates schema", catalog.Definition{
			Name:    "a.b",
			Schema:  amountSchema,
			Example: json.RawMessage(`{"amount":"ten"}`),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Register(ctx(), tt.def); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCatalogListSortedAndPaged(t *testing.T) {
	c := catalog.New(nil)
	for _, name := range []string{"d.type", "b.type", "a.type", "c.type"} {
		if err := c.Register(ctx(), catalog.Definition{Name: name}); err != nil {
			t.Fatal(err)
		}
	}

	all := c.List(catalog.ListOpts{})
	if len(all) != 4 || all[0].Name != "a.type" || all[3].Name != "d.type" {
		t.Fatalf("unexpected order: %v", names(all))
	}

	page := c.List(catalog.ListOpts{Offset: 1, Limit: 2})
	if len(page) != 2 || page[0].Name != "b.type" || page[1].Name != "c.type" {
		t.Fatalf("unexpected page: %v", names(page))
	}

	if got := c.List(catalog.ListOpts{Offset: 10}); len(got) != 0 {
		t.Fatalf("expected empty page, got %v", names(got))
	}
}

func TestCatalogListGroup(t *testing.T) {
	c := catalog.New(nil)
	_ = c.Register(ctx(), catalog.Definition{Name: "invoice.created", Group: "invoice"})
	_ = c.Register(ctx(), catalog.Definition{Name: "invoice.paid", Group: "invoice"})
	_ = c.Register(ctx(), catalog.Definition{Name: "user.created", Group: "user"})

	if got := c.List(catalog.ListOpts{Group: "invoice"}); len(got) != 2 {
		t.Fatalf("expected 2 invoice types, got %d", len(got))
	}
}

func TestCatalogValidate(t *testing.T) {
	c := catalog.New(nil)
	_ = c.Register(ctx(), catalog.Definition{Name: "invoice.created", Schema: amountSchema})
	_ = c.Register(ctx(), catalog.Definition{Name: "free.form"})

	tests := []struct {
		name    string
		event   string
		payload string
		want    error
	}{
		{"valid", "invoice.created", `{"amount": 10}`, nil},
		{"missing field", "invoice.created", `{"other": 1}`, catalog.ErrInvalidPayload},
		{"wrong type", "invoice.created", `{"amount": "ten"}`, catalog.ErrInvalidPayload},
		{"no schema", "free.form", `[1,2,3]`, nil},
		{"unknown", "nope", `{}`, catalog.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.event, []byte(tt.payload))
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCatalogRemove(t *testing.T) {
	c := catalog.New(nil)
	_ = c.Register(ctx(), catalog.Definition{Name: "a.b"})

	if err := c.Remove("a.b"); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove("a.b"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func names(defs []*catalog.Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}
