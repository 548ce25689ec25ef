package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}

	var empty Metadata
	if cloned := empty.Clone(); cloned == nil || len(cloned) != 0 {
		t.Fatal("expected empty non-nil clone")
	}
}

func TestWithAndWithAll(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("authorization", "Bearer abc")
	if _, ok := base["authorization"]; ok {
		t.Fatal("expected base map to remain unchanged")
	}

	merged := enriched.WithAll(Metadata{"foo": "override"})
	if merged["foo"] != "override" || merged["authorization"] != "Bearer abc" {
		t.Fatalf("unexpected merged metadata %#v", merged)
	}
}

func TestNewPairs(t *testing.T) {
	md := New("key", "value", "dangling")
	if md["key"] != "value" {
		t.Fatal("expected key to be set")
	}
	if _, ok := md["dangling"]; ok {
		t.Fatal("expected trailing key without value to be dropped")
	}
}

func TestTableConversion(t *testing.T) {
	md := FromTable(amqp.Table{
		"authorization": "Bearer token",
		"raw":           []byte("bytes"),
		"attempt":       int32(3),
		"missing":       nil,
	})

	if md["authorization"] != "Bearer token" || md["raw"] != "bytes" || md["attempt"] != "3" {
		t.Fatalf("unexpected conversion %#v", md)
	}
	if _, ok := md["missing"]; ok {
		t.Fatal("expected nil header to be skipped")
	}

	table := ToTable(Metadata{"authorization": "Bearer token"})
	if table["authorization"] != "Bearer token" {
		t.Fatalf("unexpected table %#v", table)
	}
	if ToTable(nil) != nil {
		t.Fatal("expected nil table for empty metadata")
	}
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{"source": "profiles"}
	wm := ToWatermill(md)
	wm["source"] = "mutation"
	if md["source"] != "profiles" {
		t.Fatal("expected original metadata to be isolated from watermill changes")
	}

	back := FromWatermill(message.Metadata{"event": "profiles.initialized"})
	if back["event"] != "profiles.initialized" {
		t.Fatal("expected watermill metadata to convert back")
	}
	if FromWatermill(nil) == nil {
		t.Fatal("expected non-nil map")
	}
}
