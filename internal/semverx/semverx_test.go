package semverx

import "testing"

func TestCompatibleReleaseExpansion(t *testing.T) {
	c, err := ParseConstraints([]string{"~=1.2.3"})
	if err != nil {
		t.Fatalf("ParseConstraints: %v", err)
	}
	ok, err := ParseVersion("1.2.9")
	if err != nil {
		t.Fatalf("ParseVersion: %v", err)
	}
	if !c.Check(ok) {
		t.Fatal("1.2.9 should satisfy ~=1.2.3")
	}
	tooHigh, _ := ParseVersion("1.3.0")
	if c.Check(tooHigh) {
		t.Fatal("1.3.0 should not satisfy ~=1.2.3")
	}
	tooLow, _ := ParseVersion("1.2.2")
	if c.Check(tooLow) {
		t.Fatal("1.2.2 should not satisfy ~=1.2.3")
	}
}

func TestEqualityOperatorNormalization(t *testing.T) {
	c, err := ParseConstraints([]string{"==2.0.0"})
	if err != nil {
		t.Fatalf("ParseConstraints: %v", err)
	}
	v, _ := ParseVersion("2.0.0")
	if !c.Check(v) {
		t.Fatal("==2.0.0 should match 2.0.0")
	}
	other, _ := ParseVersion("2.0.1")
	if c.Check(other) {
		t.Fatal("==2.0.0 should not match 2.0.1")
	}
}

func TestANDConjunction(t *testing.T) {
	c, err := ParseConstraints([]string{">=3.0", "<4.0"})
	if err != nil {
		t.Fatalf("ParseConstraints: %v", err)
	}
	v, _ := ParseVersion("3.5.0")
	if !c.Check(v) {
		t.Fatal("3.5.0 should satisfy >=3.0,<4.0")
	}
}
