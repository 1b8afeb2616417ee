package schemes

import (
	"os"
	"path/filepath"
	"testing"

	"schemesathi/pkg/domain"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := New([]domain.Scheme{
		{
			ID:          "pmmy",
			Name:        "Pradhan Mantri MUDRA Yojana",
			Ministry:    "Ministry of Finance",
			Description: "Collateral-free loans up to 10 lakh for micro enterprises.",
			Tags:        []string{"loan", "micro-enterprise"},
		},
		{
			ID:          "cgtmse",
			Name:        "Credit Guarantee Fund Trust for Micro and Small Enterprises",
			Ministry:    "Ministry of MSME",
			Description: "Credit guarantee cover for collateral-free loans.",
			Tags:        []string{"credit-guarantee", "loan"},
		},
		{
			ID:          "standup-india",
			Name:        "Stand-Up India",
			Ministry:    "Ministry of Finance",
			Description: "Bank loans for SC/ST and women entrepreneurs.",
			Tags:        []string{"loan", "women-entrepreneurs"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cat
}

func TestListFiltersByQueryAndCategory(t *testing.T) {
	cat := testCatalog(t)

	if got := cat.List("", ""); len(got) != 3 {
		t.Fatalf("expected all 3 schemes, got %d", len(got))
	}
	if got := cat.List("mudra", ""); len(got) != 1 || got[0].ID != "pmmy" {
		t.Fatalf("query mudra: got %+v", got)
	}
	// Query matching is case-insensitive and spans ministry text.
	if got := cat.List("ministry of msme", ""); len(got) != 1 || got[0].ID != "cgtmse" {
		t.Fatalf("query by ministry: got %+v", got)
	}
	if got := cat.List("", "loan"); len(got) != 3 {
		t.Fatalf("category loan: expected 3, got %d", len(got))
	}
	if got := cat.List("guarantee", "loan"); len(got) != 1 || got[0].ID != "cgtmse" {
		t.Fatalf("combined filters: got %+v", got)
	}
	if got := cat.List("helicopter", ""); len(got) != 0 {
		t.Fatalf("no-match query: got %+v", got)
	}
}

func TestGetAndCategories(t *testing.T) {
	cat := testCatalog(t)
	if _, ok := cat.Get("pmmy"); !ok {
		t.Fatal("expected pmmy to exist")
	}
	if _, ok := cat.Get("nope"); ok {
		t.Fatal("expected miss for unknown id")
	}
	want := []string{"credit-guarantee", "loan", "micro-enterprise", "women-entrepreneurs"}
	got := cat.Categories()
	if len(got) != len(want) {
		t.Fatalf("categories: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("categories: got %v want %v", got, want)
		}
	}
}

func TestLoadRejectsBadCatalogs(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("schemes: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(empty); err == nil {
		t.Fatal("expected error for empty catalog")
	}

	dup := filepath.Join(dir, "dup.yaml")
	body := "schemes:\n  - id: a\n    name: A\n  - id: a\n    name: B\n"
	if err := os.WriteFile(dup, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dup); err == nil {
		t.Fatal("expected error for duplicate ids")
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemes.yaml")
	body := `schemes:
  - id: pmegp
    name: Prime Minister's Employment Generation Programme
    ministry: Ministry of MSME
    description: Credit-linked subsidy for new micro enterprises.
    tags: [subsidy, manufacturing]
    eligibility: Individuals above 18 years setting up new units.
    benefits: Margin money subsidy of 15-35% of project cost.
    applicationProcess: Apply online via the KVIC portal.
    sourceLinks:
      - https://www.kviconline.gov.in/pmegpeportal
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, ok := cat.Get("pmegp")
	if !ok {
		t.Fatal("expected pmegp")
	}
	if s.Ministry != "Ministry of MSME" || len(s.SourceLinks) != 1 {
		t.Fatalf("unexpected scheme: %+v", s)
	}
}
