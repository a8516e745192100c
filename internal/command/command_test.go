package command

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseCommands(t *testing.T) {
	cases := []struct {
		line string
		want Command
	}{
		{"begin(T1)", Command{Type: Begin, Args: []int{1}, Raw: "begin(T1)"}},
		{"beginRO(t2)", Command{Type: BeginRO, Args: []int{2}, Raw: "beginRO(t2)"}},
		{"R(t1,x3)", Command{Type: Read, Args: []int{1, 3}, Raw: "R(t1,x3)"}},
		{"W(t1, x3, 101)", Command{Type: Write, Args: []int{1, 3, 101}, Raw: "W(t1, x3, 101)"}},
		{"end(t1)", Command{Type: End, Args: []int{1}, Raw: "end(t1)"}},
		{"dump()", Command{Type: DumpAll, Args: nil, Raw: "dump()"}},
		{"dump(2)", Command{Type: DumpSite, Args: []int{2}, Raw: "dump(2)"}},
		{"dump(x5)", Command{Type: DumpVar, Args: []int{5}, Raw: "dump(x5)"}},
		{"fail(3)", Command{Type: Fail, Args: []int{3}, Raw: "fail(3)"}},
		{"recover(3)", Command{Type: Recover, Args: []int{3}, Raw: "recover(3)"}},
		{"", Command{Type: Blank, Raw: ""}},
		{"   ", Command{Type: Blank, Raw: "   "}},
		{"// just a comment", Command{Type: Blank, Raw: "// just a comment"}},
		{"begin(T1)//comment", Command{Type: Begin, Args: []int{1}, Raw: "begin(T1)//comment"}},
	}
	for _, c := range cases {
		got, err := Parse(c.line, 1)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", c.line, err)
			continue
		}
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", c.line, diff)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("begin(t1) extra garbage", 7)
	if err == nil {
		t.Fatalf("Parse should reject trailing garbage")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error should be a *ParseError, got %T", err)
	}
	if pe.Line != 7 {
		t.Fatalf("ParseError.Line = %d, want 7", pe.Line)
	}
}
