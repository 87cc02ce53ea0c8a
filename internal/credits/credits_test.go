package credits

import (
	"encoding/json"
	"math"
	"testing"
)

func TestParseAndString(t *testing.T) {
	cases := []struct {
		in   string
		want Amount
		out  string
	}{
		{"12", 12 * Scale, "12"},
		{"0.5", Scale / 2, "0.5"},
		{"-3.25", -3_250_000, "-3.25"},
		{"1.000001", 1_000_001, "1.000001"},
		{".75", 750_000, "0.75"},
		{"1e2", 100 * Scale, "100"},
		{"+2", 2 * Scale, "2"},
		{"9223372036854.775807", math.MaxInt64, "9223372036854.775807"},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: got %d want %d", tc.in, got, tc.want)
		}
		if got.String() != tc.out {
			t.Fatalf("string %q: got %q want %q", tc.in, got.String(), tc.out)
		}
	}

	for _, bad := range []string{
		"", "abc", "1.0000001", "1.2.3", ".", "-",
		"1.-5", "1.+5", "--5", "+-5", "1. 5",
		"9223372036854.9", "9223372036855", "99999999999999999999",
		"1e300", "-1e300", "NaNe1", "Infe0",
	} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestJSONRoundTripKeepsPrecision(t *testing.T) {
	type payload struct {
		Amount Amount `json:"amount"`
	}
	var p payload
	if err := json.Unmarshal([]byte(`{"amount": 0.1}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Amount != 100_000 {
		t.Fatalf("unexpected amount: %d", p.Amount)
	}
	if err := json.Unmarshal([]byte(`{"amount": "2.5"}`), &p); err != nil {
		t.Fatalf("unmarshal quoted: %v", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"amount":2.5}` {
		t.Fatalf("unexpected json: %s", data)
	}

	sum := Zero
	for i := 0; i < 10; i++ {
		sum += FromFloat(0.1)
	}
	if sum != FromInt(1) {
		t.Fatalf("ten tenths should be exactly one credit, got %s", sum)
	}
}
