package manifest

import "testing"

const sampleTOML = `
format_version = "1.0.0"

[package]
name = "curl"
version = "8.5.0"
revision = 1
arch = "arm64"
description = "command line tool for transferring data"

[dependencies]
runtime = ["openssl>=3.0,<4.0"]
build = []

[sbom]
spdx = "deadbeef"
`

func TestParseValid(t *testing.T) {
	m, err := Parse([]byte(sampleTOML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Identity.Name != "curl" || m.Identity.Version != "8.5.0" || m.Identity.Revision != 1 {
		t.Fatalf("identity = %+v", m.Identity)
	}
	if len(m.Runtime) != 1 || m.Runtime[0].Name != "openssl" {
		t.Fatalf("runtime deps = %+v", m.Runtime)
	}
	if m.SBOM == nil || m.SBOM.SPDXHash != "deadbeef" {
		t.Fatalf("sbom = %+v", m.SBOM)
	}
}

func TestParseRejectsMissingIdentity(t *testing.T) {
	_, err := Parse([]byte(`format_version = "1.0.0"` + "\n[package]\nname = \"x\"\n"))
	if err == nil {
		t.Fatal("expected error for missing version/arch")
	}
}

func TestParseRejectsIncompatibleFormatVersion(t *testing.T) {
	doc := `format_version = "2.0.0"
[package]
name = "x"
version = "1.0.0"
arch = "arm64"
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("expected incompatible format_version error")
	}
}

func TestSplitDependency(t *testing.T) {
	name, cs := splitDependency("openssl>=3.0,<4.0")
	if name != "openssl" {
		t.Fatalf("name = %q", name)
	}
	if len(cs) != 2 || cs[0] != ">=3.0" || cs[1] != "<4.0" {
		t.Fatalf("constraints = %+v", cs)
	}
}
