package linkedinid

import "testing"

func TestURNEqualityIgnoresPrefix(t *testing.T) {
	a := URN("urn:a:1")
	b := URN("urn:b:1")
	if !a.Equals(b) {
		t.Fatalf("expected %q to equal %q", a, b)
	}
}

func TestURNEqualityOnTuple(t *testing.T) {
	a := URN("urn:a:(1,2)")
	b := URN("urn:b:(1,2)")
	if !a.Equals(b) {
		t.Fatalf("expected %q to equal %q", a, b)
	}
}

func TestURNInequality(t *testing.T) {
	a := URN("urn:li:fs_miniProfile:X")
	b := URN("urn:li:fs_miniProfile:Y")
	if a.Equals(b) {
		t.Fatalf("expected %q to not equal %q", a, b)
	}
}

func TestURNEmpty(t *testing.T) {
	if URN("").Equals(URN("urn:li:fs_miniProfile:X")) {
		t.Fatal("empty URN should never equal a non-empty one")
	}
	if !URN("").Equals(URN("")) {
		t.Fatal("two empty URNs should be equal")
	}
}

func TestWithPrefix(t *testing.T) {
	u := WithPrefix("fs_miniProfile", "ABCDEF")
	if u != "urn:li:fs_miniProfile:ABCDEF" {
		t.Fatalf("unexpected URN: %s", u)
	}
	if u.Tail() != "ABCDEF" {
		t.Fatalf("unexpected tail: %s", u.Tail())
	}
}
