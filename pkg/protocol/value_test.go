package protocol

import (
	"encoding/json"
	"testing"
)

func TestStr(t *testing.T) {
	m := map[string]any{"content": "hello", "count": float64(3)}

	if got := Str(m, "content"); got != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
	if got := Str(m, "missing", "content"); got != "hello" {
		t.Errorf("expected fallback to content, got %q", got)
	}
	if got := Str(m, "count"); got != "" {
		t.Errorf("expected empty for non-string, got %q", got)
	}
	if got := Str(nil, "content"); got != "" {
		t.Errorf("expected empty for nil map, got %q", got)
	}
}

func TestInt64(t *testing.T) {
	var m map[string]any
	if err := json.Unmarshal([]byte(`{"id": 42, "str": "17", "bad": "x", "null": null}`), &m); err != nil {
		t.Fatal(err)
	}

	if v, ok := Int64(m, "id"); !ok || v != 42 {
		t.Errorf("expected 42, got %d ok=%v", v, ok)
	}
	if v, ok := Int64(m, "str"); !ok || v != 17 {
		t.Errorf("expected numeric string to parse, got %d ok=%v", v, ok)
	}
	if _, ok := Int64(m, "bad"); ok {
		t.Error("expected non-numeric string to fail")
	}
	if _, ok := Int64(m, "null"); ok {
		t.Error("expected null to fail")
	}
	if _, ok := Int64(m, "missing"); ok {
		t.Error("expected missing key to fail")
	}
}

func TestBool(t *testing.T) {
	m := map[string]any{"read": true, "flag": "false", "num": float64(1)}

	if v, ok := Bool(m, "read"); !ok || !v {
		t.Errorf("expected true, got %v ok=%v", v, ok)
	}
	if v, ok := Bool(m, "flag"); !ok || v {
		t.Errorf("expected string false, got %v ok=%v", v, ok)
	}
	if v, ok := Bool(m, "num"); !ok || !v {
		t.Errorf("expected 1 to read as true, got %v ok=%v", v, ok)
	}
}

func TestObjAndArr(t *testing.T) {
	var m map[string]any
	if err := json.Unmarshal([]byte(`{"payload": {"type": "Chat.User"}, "items": [1, 2]}`), &m); err != nil {
		t.Fatal(err)
	}

	inner := Obj(m, "payload")
	if inner == nil {
		t.Fatal("expected nested object")
	}
	if got := LowerStr(inner, "type"); got != "chat.user" {
		t.Errorf("expected lowercased chat.user, got %q", got)
	}
	if a := Arr(m, "items"); len(a) != 2 {
		t.Errorf("expected 2 items, got %d", len(a))
	}
	if a := Arr(m, "payload"); a != nil {
		t.Error("expected nil for non-array value")
	}
}

func TestChannelType(t *testing.T) {
	sig := Signal{Payload: map[string]any{"type": "  FILE.SAVE "}}
	if got := sig.ChannelType(); got != "file.save" {
		t.Errorf("expected file.save, got %q", got)
	}

	empty := Signal{}
	if got := empty.ChannelType(); got != "" {
		t.Errorf("expected empty type, got %q", got)
	}
}

func TestToMap(t *testing.T) {
	type frame struct {
		RequestID string `json:"request_id"`
		Content   string `json:"content"`
	}
	m := ToMap(frame{RequestID: "r1", Content: "hi"})
	if m == nil {
		t.Fatal("expected map")
	}
	if got := Str(m, "request_id"); got != "r1" {
		t.Errorf("expected r1, got %q", got)
	}

	passthrough := map[string]any{"a": 1}
	if got := ToMap(passthrough); got["a"] != 1 {
		t.Error("expected map passthrough to preserve values")
	}
}
