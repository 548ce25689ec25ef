package jsoncodec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "rpcflow"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestRawMessagePassesThrough(t *testing.T) {
	type wrapper struct {
		Data json.RawMessage `json:"data"`
	}

	var w wrapper
	if err := UnmarshalString(`{"data":{"email":"a@b.com"},"extra":true}`, &w); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	var inner map[string]string
	if err := Unmarshal(w.Data, &inner); err != nil {
		t.Fatalf("unmarshal raw failed: %v", err)
	}
	if inner["email"] != "a@b.com" {
		t.Fatalf("unexpected inner payload %#v", inner)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"id":"1"}`)) {
		t.Fatal("expected valid JSON")
	}
	if Valid([]byte(`{"id":`)) {
		t.Fatal("expected truncated JSON to be invalid")
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}
