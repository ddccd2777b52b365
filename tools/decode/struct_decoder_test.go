package decode

import (
	"encoding/json"
	"testing"
	"time"
)

type sample struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func TestDecodeMapBasics(t *testing.T) {
	got, err := DecodeMap[sample](map[string]any{
		"id":         float64(12), // JSON 数字反序列化出来就是 float64
		"name":       "x",
		"created_at": "2025-06-01T12:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 12 || got.Name != "x" {
		t.Fatalf("bad decode: %+v", got)
	}
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !got.CreatedAt.Equal(want) {
		t.Fatalf("bad time: %v", got.CreatedAt)
	}
}

func TestDecodeMapJSONRoundTrip(t *testing.T) {
	src := sample{ID: 99, Name: "roundtrip", CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
	raw, err := json.Marshal(src)
	if err != nil {
		t.Fatal(err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}

	got, err := DecodeMap[sample](m)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != src.ID || got.Name != src.Name || !got.CreatedAt.Equal(src.CreatedAt) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestDecodeMapNil(t *testing.T) {
	if _, err := DecodeMap[sample](nil); err == nil {
		t.Fatal("nil map must error")
	}
}

func TestDecodeMapJSONNumber(t *testing.T) {
	got, err := DecodeMap[sample](map[string]any{"id": json.Number("77")})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 77 {
		t.Fatalf("want 77, got %d", got.ID)
	}
}
