package address

import "testing"

func TestStringAndParseRoundTrip(t *testing.T) {
	a := Address{Context: "alpha", Object: "svc"}
	s := a.String()
	if s != "alpha.svc" {
		t.Fatalf("got %q, want alpha.svc", s)
	}
	parsed, err := Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(a) {
		t.Fatalf("got %+v, want %+v", parsed, a)
	}
}

func TestParseContextOnly(t *testing.T) {
	parsed, err := Parse("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Context != "alpha" || parsed.Object != "" {
		t.Fatalf("got %+v", parsed)
	}
	if parsed.String() != "alpha" {
		t.Fatalf("got %q", parsed.String())
	}
}

func TestValidateRejectsEmptyAndDotted(t *testing.T) {
	if _, err := New("", "svc"); err == nil {
		t.Fatal("expected error for empty context")
	}
	if _, err := New("a.b", "svc"); err == nil {
		t.Fatal("expected error for dotted context")
	}
	if _, err := New("alpha", ""); err == nil {
		t.Fatal("expected error for empty object")
	}
}

func TestIsZero(t *testing.T) {
	var a Address
	if !a.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	if (Address{Context: "a"}).IsZero() {
		t.Fatal("non-empty context should not report IsZero")
	}
}

func TestWellKnownAddresses(t *testing.T) {
	if ForContext("alpha").Object != ContextObject {
		t.Fatal("ForContext should use the well-known context object")
	}
	if ForSignalManager("alpha").Object != SignalsObject {
		t.Fatal("ForSignalManager should use the well-known signals object")
	}
}
