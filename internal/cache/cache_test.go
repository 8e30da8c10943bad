package cache

import (
	"testing"
	"time"

	"siteline/internal/domain"
)

func alertsFor(item string) []domain.Alert {
	return []domain.Alert{{ID: "a-" + item, LineItemID: item, Status: domain.AlertActive}}
}

func TestGetSetAndInvalidate(t *testing.T) {
	c := New(10, time.Minute)

	if _, ok := c.Get(ProjectKey("p1")); ok {
		t.Fatal("miss expected on empty cache")
	}
	c.Set(ProjectKey("p1"), alertsFor("item1"))
	c.Set(UserKey("alice"), alertsFor("item1"))

	got, ok := c.Get(ProjectKey("p1"))
	if !ok || got[0].ID != "a-item1" {
		t.Fatalf("hit expected, got %v %v", got, ok)
	}

	c.Invalidate(ProjectKey("p1"))
	if _, ok := c.Get(ProjectKey("p1")); ok {
		t.Fatal("project entry should be gone")
	}
	if _, ok := c.Get(UserKey("alice")); !ok {
		t.Fatal("user entry should survive a project invalidation")
	}
}

func TestInvalidatePattern(t *testing.T) {
	c := New(10, time.Minute)
	c.Set(UserKey("alice"), alertsFor("item1"))
	c.Set(UserKey("bob"), alertsFor("item2"))
	c.Set(ProjectKey("p1"), alertsFor("item1"))

	c.InvalidatePattern("user:")
	if _, ok := c.Get(UserKey("alice")); ok {
		t.Fatal("alice entry survived pattern invalidation")
	}
	if _, ok := c.Get(UserKey("bob")); ok {
		t.Fatal("bob entry survived pattern invalidation")
	}
	if _, ok := c.Get(ProjectKey("p1")); !ok {
		t.Fatal("project entry should survive a user pattern invalidation")
	}
}

func TestEntriesExpire(t *testing.T) {
	c := New(10, 20*time.Millisecond)
	c.Set(ProjectKey("p1"), alertsFor("item1"))
	if _, ok := c.Get(ProjectKey("p1")); !ok {
		t.Fatal("fresh entry should hit")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get(ProjectKey("p1")); ok {
		t.Fatal("entry should have expired")
	}
}

func TestCapacityEviction(t *testing.T) {
	c := New(2, time.Minute)
	c.Set(UserKey("a"), alertsFor("i1"))
	c.Set(UserKey("b"), alertsFor("i2"))
	c.Set(UserKey("c"), alertsFor("i3"))
	if c.Len() > 2 {
		t.Fatalf("capacity not enforced: %d entries", c.Len())
	}
	if _, ok := c.Get(UserKey("a")); ok {
		t.Fatal("oldest entry should have been evicted")
	}
}

func TestZeroValuesFallBackToDefaults(t *testing.T) {
	c := New(0, 0)
	c.Set(ProjectKey("p1"), nil)
	if _, ok := c.Get(ProjectKey("p1")); !ok {
		t.Fatal("cache with defaults should accept entries")
	}
}
