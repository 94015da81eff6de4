package extract

import (
	"errors"
	"testing"
)

func TestValidator_AcceptsWellFormedSignal(t *testing.T) {
	v, err := NewValidator(nil, 0)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	result, err := v.Validate(`{
		"symbol": "XAUUSD",
		"action": "BUY",
		"entry": "MARKET",
		"take_profit": ["2350", "2360"],
		"stop_loss": "2330",
		"timeframe": "M15",
		"notes": "breakout setup"
	}`)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.JSON == "" || result.Parsed == nil {
		t.Fatalf("incomplete result: %+v", result)
	}
}

func TestValidator_MinimalSignal(t *testing.T) {
	v, _ := NewValidator(nil, 0)

	// No actionable content still validates with action NONE.
	if _, err := v.Validate(`{"symbol": "N/A", "action": "NONE"}`); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidator_RejectsBadPayloads(t *testing.T) {
	v, _ := NewValidator(nil, 0)

	cases := []struct {
		name string
		text string
	}{
		{"bad action", `{"symbol": "EURUSD", "action": "SHORT"}`},
		{"missing action", `{"symbol": "EURUSD"}`},
		{"extra field", `{"symbol": "EURUSD", "action": "SELL", "leverage": "10x"}`},
		{"take_profit not a list", `{"symbol": "EURUSD", "action": "SELL", "take_profit": "1.0850"}`},
		{"no JSON at all", `I could not find a signal in this message.`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(tc.text)
			var exErr *ExtractionError
			if !errors.As(err, &exErr) {
				t.Fatalf("err = %v, want *ExtractionError", err)
			}
		})
	}
}

func TestValidator_ExtractsFromFencedBlock(t *testing.T) {
	v, _ := NewValidator(nil, 0)

	result, err := v.Validate("Here is the signal:\n```json\n{\"symbol\": \"BTCUSD\", \"action\": \"SELL\"}\n```\nDone.")
	if err != nil {
		t.Fatalf("validate fenced: %v", err)
	}
	if result.JSON != `{"symbol": "BTCUSD", "action": "SELL"}` {
		t.Fatalf("JSON = %q", result.JSON)
	}
}

func TestValidator_ExtractsEmbeddedObject(t *testing.T) {
	v, _ := NewValidator(nil, 0)

	result, err := v.Validate(`The parsed signal is {"symbol": "EURUSD", "action": "BUY", "notes": "text with } inside \" quotes"} as requested.`)
	if err != nil {
		t.Fatalf("validate embedded: %v", err)
	}
	if result.JSON == "" {
		t.Fatal("expected extracted JSON")
	}
}

func TestExtractJSON_Balanced(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`prefix {"a": 1} suffix`, `{"a": 1}`},
		{`{"nested": {"b": 2}}`, `{"nested": {"b": 2}}`},
		{`[1, 2, 3]`, `[1, 2, 3]`},
		{`no json here`, ``},
		{`{"unterminated": `, ``},
	}
	for _, tc := range cases {
		if got := extractJSON(tc.in); got != tc.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewValidator_RejectsBrokenSchema(t *testing.T) {
	if _, err := NewValidator([]byte(`{"type": 42}`), 0); err == nil {
		t.Fatal("expected error for broken schema")
	}
}

func TestExtractionError_Messages(t *testing.T) {
	plain := &ExtractionError{Message: "schema validation failed"}
	if plain.Error() != "schema validation failed" {
		t.Fatalf("plain = %q", plain.Error())
	}
	timeout := &ExtractionError{Message: "deadline exceeded", Timeout: true}
	if timeout.Error() != "extraction timed out: deadline exceeded" {
		t.Fatalf("timeout = %q", timeout.Error())
	}
}
