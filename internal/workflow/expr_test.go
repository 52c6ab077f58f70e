package workflow

import (
	"strings"
	"testing"
)

func TestEvalArithmeticAndComparison(t *testing.T) {
	cases := []struct {
		expr string
		want any
	}{
		{"1 + 2 * 3", 7.0},
		{"(1 + 2) * 3", 9.0},
		{"10 % 3", 1.0},
		{"2 ** 10", 1024.0},
		{"-4 + 1", -3.0},
		{"7.5 > 5", true},
		{"3 <= 2", false},
		{"'abc' == 'abc'", true},
		{"'abc' < 'abd'", true},
		{"1 == 1 and 2 == 2", true},
		{"1 == 2 or 2 == 2", true},
		{"not (1 == 2)", true},
		{"true and not false", true},
	}
	for _, tc := range cases {
		got, err := Eval(tc.expr, nil)
		if err != nil {
			t.Fatalf("Eval(%q): %v", tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("Eval(%q) = %#v, want %#v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalBuiltins(t *testing.T) {
	cases := []struct {
		expr string
		want any
	}{
		{"abs(-3)", 3.0},
		{"min(4, 2, 9)", 2.0},
		{"max(4, 2, 9)", 9.0},
		{"len('hello')", 5.0},
		{"int('42')", 42.0},
		{"int(3.9)", 3.0},
		{"float('2.5')", 2.5},
		{"str(5)", "5"},
		{"bool(0)", false},
		{"bool('x')", true},
	}
	for _, tc := range cases {
		got, err := Eval(tc.expr, nil)
		if err != nil {
			t.Fatalf("Eval(%q): %v", tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("Eval(%q) = %#v, want %#v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalEnvironmentLookup(t *testing.T) {
	env := map[string]any{"score": 8, "name": "steward"}
	got, err := Eval("score * 2", env)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if got != 16.0 {
		t.Fatalf("got %#v", got)
	}
	ok, err := EvalCondition("name == 'steward' and score > 5", env)
	if err != nil {
		t.Fatalf("EvalCondition: %v", err)
	}
	if !ok {
		t.Fatal("condition false")
	}
}

func TestEvalRejectsUnknownIdentifiers(t *testing.T) {
	if _, err := Eval("__import__('os')", nil); err == nil {
		t.Fatal("import-like identifier must be rejected")
	}
	if _, err := Eval("open('/etc/passwd')", nil); err == nil {
		t.Fatal("non-whitelisted call must be rejected")
	}
}

func TestEvalRejectsAttributeAccess(t *testing.T) {
	if _, err := Eval("'abc'.upper()", nil); err == nil {
		t.Fatal("attribute access must be rejected")
	}
}

func TestEvalCapsLengthAndPower(t *testing.T) {
	long := strings.Repeat("1+", 300) + "1"
	if _, err := Eval(long, nil); err == nil {
		t.Fatal("overlong expression must be rejected")
	}
	if _, err := Eval("2 ** 9999", nil); err == nil {
		t.Fatal("huge exponent must be rejected")
	}
}

func TestEvalDivisionByZero(t *testing.T) {
	if _, err := Eval("1 / 0", nil); err == nil {
		t.Fatal("division by zero must error")
	}
}
