package scope

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		Name string
		Raw  []string
		Want []string
	}{
		{
			Name: "Comma joined",
			Raw:  []string{"openid,email"},
			Want: []string{"email", "openid"},
		},
		{
			Name: "Space delimited",
			Raw:  []string{"openid email profile"},
			Want: []string{"email", "openid", "profile"},
		},
		{
			Name: "Array form with duplicates",
			Raw:  []string{"openid", "email", "openid"},
			Want: []string{"email", "openid"},
		},
		{
			Name: "Mixed and empty entries",
			Raw:  []string{"a,,b", " ", "c d"},
			Want: []string{"a", "b", "c", "d"},
		},
		{
			Name: "Nothing",
			Raw:  nil,
			Want: []string{},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got := Parse(tc.Raw...).Slice()
			if diff := cmp.Diff(tc.Want, got); diff != "" {
				t.Errorf("parse mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	clientScope := New("openid", "email", "read")

	for _, tc := range []struct {
		Name      string
		Requested Set
		Exceeds   bool
	}{
		{Name: "Exact match", Requested: New("openid", "email", "read")},
		{Name: "Subset", Requested: New("read")},
		{Name: "Empty request", Requested: New()},
		{Name: "One extra", Requested: New("read", "write"), Exceeds: true},
		{Name: "Entirely outside", Requested: New("admin"), Exceeds: true},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if got := Verify(tc.Requested, clientScope); got != tc.Exceeds {
				t.Errorf("want exceeds %t, got %t", tc.Exceeds, got)
			}
			// calling again, or in a different order, must not change the outcome
			if got := Verify(tc.Requested, clientScope); got != tc.Exceeds {
				t.Errorf("second call: want exceeds %t, got %t", tc.Exceeds, got)
			}
			if tc.Exceeds && len(tc.Requested.Missing(clientScope)) == 0 {
				t.Error("exceeding request should report missing values")
			}
		})
	}
}

func TestUnion(t *testing.T) {
	got := New("a", "b").Union(New("b", "c"))
	if diff := cmp.Diff([]string{"a", "b", "c"}, got.Slice()); diff != "" {
		t.Errorf("union mismatch (-want +got):\n%s", diff)
	}
	if got.String() != "a b c" {
		t.Errorf("want wire form %q, got %q", "a b c", got.String())
	}
}

func TestJSON(t *testing.T) {
	for _, in := range []string{`"b a"`, `"a,b"`, `["a","b","a"]`} {
		var s Set
		if err := json.Unmarshal([]byte(in), &s); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if diff := cmp.Diff([]string{"a", "b"}, s.Slice()); diff != "" {
			t.Errorf("unmarshal %s (-want +got):\n%s", in, diff)
		}
	}

	b, err := json.Marshal(New("b", "a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `["a","b"]` {
		t.Errorf("want sorted array, got %s", b)
	}

	var s Set
	if err := json.Unmarshal([]byte(`42`), &s); err == nil {
		t.Error("want error for a number")
	}
}
