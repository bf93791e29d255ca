package gateway

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseTickFrame(t *testing.T) {
	fields := make([]string, 12)
	fields[0] = "005930"
	fields[2] = "72100"
	fields[10] = "1523"
	frame := "0|H0STCNT0|001|" + strings.Join(fields, "^")

	tick, err := parseTickFrame(frame)
	if err != nil {
		t.Fatalf("parseTickFrame: %v", err)
	}
	if tick.StockCode != "005930" {
		t.Errorf("StockCode = %s, want 005930", tick.StockCode)
	}
	if tick.Price != 72100 {
		t.Errorf("Price = %.0f, want 72100", tick.Price)
	}
	if tick.Volume != 1523 {
		t.Errorf("Volume = %d, want 1523", tick.Volume)
	}
	if tick.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestParseTickFrameRejectsShortFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"no pipes", "0H0STCNT0"},
		{"missing data section", "0|H0STCNT0|001"},
		{"too few caret fields", "0|H0STCNT0|001|005930^1^72100"},
		{"garbage price", "0|H0STCNT0|001|" + strings.Repeat("x^", 11) + "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseTickFrame(tt.frame); err == nil {
				t.Errorf("parseTickFrame(%q) accepted a bad frame", tt.frame)
			}
		})
	}
}

func TestSubscribeMessageShape(t *testing.T) {
	msg := newSubscribeMessage("key-123", "1", "005930")
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	header := decoded["header"]
	if header["approval_key"] != "key-123" {
		t.Errorf("approval_key = %v", header["approval_key"])
	}
	if header["custtype"] != "P" || header["tr_type"] != "1" {
		t.Errorf("custtype/tr_type = %v/%v", header["custtype"], header["tr_type"])
	}
	if header["content-type"] != "utf-8" {
		t.Errorf("content-type = %v", header["content-type"])
	}

	var body struct {
		Body struct {
			Input struct {
				TrID  string `json:"tr_id"`
				TrKey string `json:"tr_key"`
			} `json:"input"`
		} `json:"body"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if body.Body.Input.TrID != "H0STCNT0" || body.Body.Input.TrKey != "005930" {
		t.Errorf("input = %+v", body.Body.Input)
	}
}
