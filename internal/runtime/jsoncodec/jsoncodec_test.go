package jsoncodec

import (
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "queuelink"}
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
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"a":1}`)) {
		t.Fatal("expected object to be valid")
	}
	if Valid([]byte(`{"a":`)) {
		t.Fatal("expected truncated object to be invalid")
	}
}

func TestIsEmpty(t *testing.T) {
	for _, in := range []string{"", "  ", "null", " null\n"} {
		if !IsEmpty([]byte(in)) {
			t.Errorf("expected %q to be empty", in)
		}
	}
	for _, in := range []string{"{}", "0", `""`} {
		if IsEmpty([]byte(in)) {
			t.Errorf("expected %q to be non-empty", in)
		}
	}
}

func TestRaw(t *testing.T) {
	got, err := Raw(nil)
	if err != nil || string(got) != "{}" {
		t.Fatalf("expected empty object for nil, got %s (%v)", got, err)
	}

	got, err = Raw([]byte(`[1,2]`))
	if err != nil || string(got) != "[1,2]" {
		t.Fatalf("expected pre-encoded JSON to pass through, got %s (%v)", got, err)
	}

	got, err = Raw(map[string]int{"n": 1})
	if err != nil || string(got) != `{"n":1}` {
		t.Fatalf("unexpected encoding %s (%v)", got, err)
	}
}
