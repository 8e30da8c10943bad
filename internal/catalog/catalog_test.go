package catalog

import (
	"strings"
	"testing"
)

const testYAML = `kind: construction
phases:
  - id: lead
    type: lead
    name: Lead
    sections:
      - id: s1
        name: Intake
        items:
          - id: item1
            name: First
            responsible_role: sales
            alert_lead_days: 1
          - id: item2
            name: Second
            responsible_role: office
            alert_lead_days: 2
  - id: prospect
    type: prospect
    name: Prospect
    sections:
      - id: s2
        name: Claim
        items:
          - id: item3
            name: Third
            responsible_role: office
            alert_lead_days: 3
`

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := FromYAML([]byte(testYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return c
}

func TestResolveWalksTotalOrder(t *testing.T) {
	c := mustCatalog(t)

	pos := c.Resolve(nil)
	if pos.Complete || pos.LineItem.ID != "item1" {
		t.Fatalf("empty ledger should resolve to item1, got %+v", pos)
	}

	pos = c.Resolve(map[string]bool{"item1": true})
	if pos.LineItem.ID != "item2" {
		t.Fatalf("expected item2, got %s", pos.LineItem.ID)
	}

	// Out-of-order completion: item3 done early must not move the gap.
	pos = c.Resolve(map[string]bool{"item1": true, "item3": true})
	if pos.LineItem.ID != "item2" {
		t.Fatalf("out-of-order completion moved the gap to %s", pos.LineItem.ID)
	}

	pos = c.Resolve(map[string]bool{"item1": true, "item2": true, "item3": true})
	if !pos.Complete {
		t.Fatalf("full ledger should be terminal, got %+v", pos)
	}
	if pos.Phase != nil || pos.Section != nil || pos.LineItem != nil {
		t.Fatal("terminal position carries pointers")
	}
}

func TestResolveCrossesPhaseBoundary(t *testing.T) {
	c := mustCatalog(t)
	pos := c.Resolve(map[string]bool{"item1": true, "item2": true})
	if pos.Phase.Type != "prospect" || pos.Section.ID != "s2" || pos.LineItem.ID != "item3" {
		t.Fatalf("expected item3 in prospect/s2, got %+v", pos)
	}
}

func TestOrdersAreAssignedFromListPosition(t *testing.T) {
	c := mustCatalog(t)
	it, _ := c.Item("item2")
	if it.Order != 2 {
		t.Fatalf("item2 order %d", it.Order)
	}
	p, _ := c.PhaseByType("prospect")
	if p.Order != 2 {
		t.Fatalf("prospect order %d", p.Order)
	}
}

func TestItemsInPhase(t *testing.T) {
	c := mustCatalog(t)
	items, err := c.ItemsInPhase("lead")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != "item1" || items[1].ID != "item2" {
		t.Fatalf("unexpected items %+v", items)
	}
	if _, err := c.ItemsInPhase("demolition"); err == nil {
		t.Fatal("expected unknown phase error")
	}
}

func TestOwners(t *testing.T) {
	c := mustCatalog(t)
	phase, section, err := c.Owners("item3")
	if err != nil {
		t.Fatal(err)
	}
	if phase.ID != "prospect" || section.ID != "s2" {
		t.Fatalf("owners %s/%s", phase.ID, section.ID)
	}
	if _, _, err := c.Owners("nope"); err == nil {
		t.Fatal("expected error for unknown item")
	}
}

func TestValidationFailsFast(t *testing.T) {
	cases := map[string]string{
		"unknown phase type":   strings.Replace(testYAML, "type: prospect", "type: demolition", 1),
		"unknown role":         strings.Replace(testYAML, "responsible_role: sales", "responsible_role: intern", 1),
		"duplicate item id":    strings.Replace(testYAML, "id: item3", "id: item1", 1),
		"missing kind":         strings.Replace(testYAML, "kind: construction", "kind: \"\"", 1),
		"empty section":        strings.Replace(testYAML, "        items:\n          - id: item3\n            name: Third\n            responsible_role: office\n            alert_lead_days: 3\n", "        items: []\n", 1),
		"duplicate phase type": strings.Replace(testYAML, "type: prospect", "type: lead", 1),
	}
	for name, yml := range cases {
		if _, err := FromYAML([]byte(yml)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestDefaultCatalogIsValid(t *testing.T) {
	c := Default()
	if c.Kind != "construction" {
		t.Fatalf("kind %s", c.Kind)
	}
	if len(c.Phases) != len(PhaseTypes) {
		t.Fatalf("expected %d phases, got %d", len(PhaseTypes), len(c.Phases))
	}
	for i, p := range c.Phases {
		if p.Type != PhaseTypes[i] {
			t.Fatalf("phase %d is %s, want %s", i, p.Type, PhaseTypes[i])
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	c := mustCatalog(t)
	out, err := c.MarshalYAML()
	if err != nil {
		t.Fatal(err)
	}
	again, err := FromYAML(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(again.Items()) != len(c.Items()) {
		t.Fatalf("item count changed: %d -> %d", len(c.Items()), len(again.Items()))
	}
}
