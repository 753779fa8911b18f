package graph

import "testing"

func TestMatcherSubsetMatchLaw(t *testing.T) {
	p := Pattern{"filetype": "verilog", "kind": "src"}
	c := Pattern{"filetype": "verilog"}
	if !Matches(c, p) {
		t.Fatal("expected subset match")
	}
	if Matches(Pattern{"filetype": "vhdl"}, p) {
		t.Fatal("expected mismatch")
	}
}

func TestCompatibleAllAndNone(t *testing.T) {
	all := []Pattern{{"__mode": "all"}}
	if !Compatible(all, nil) {
		t.Fatal("consumes=all must always be compatible")
	}
	none := []Pattern{{"__mode": "none"}}
	if !Compatible(none, nil) {
		t.Fatal("consumes=none with empty produces must be compatible")
	}
	if Compatible(none, []Pattern{{"filetype": "verilog"}}) {
		t.Fatal("consumes=none with non-empty produces must be incompatible")
	}
	if !Compatible(nil, []Pattern{{"filetype": "verilog"}}) {
		t.Fatal("absent consumes must always be compatible")
	}
}

func TestCompatibleOrAcrossPatterns(t *testing.T) {
	consumes := []Pattern{{"filetype": "vhdl"}, {"filetype": "verilog"}}
	produces := []Pattern{{"filetype": "verilog", "basedir": "/x"}}
	if !Compatible(consumes, produces) {
		t.Fatal("expected OR match across consume patterns")
	}
}

func TestMatcherGlobPattern(t *testing.T) {
	p := Pattern{"file": "top.sv"}
	c := Pattern{"file": "*.sv"}
	if !Matches(c, p) {
		t.Fatal("expected glob pattern to match")
	}
	if Matches(Pattern{"file": "*.vhd"}, p) {
		t.Fatal("expected glob pattern mismatch")
	}
}
