package main

import "testing"

func TestCut(t *testing.T) {
	cases := []struct {
		in        string
		key, val  string
		ok        bool
	}{
		{"setup.all=true", "setup.all", "true", true},
		{"users=alice:secret@example.com", "users", "alice:secret@example.com", true},
		{"noEquals", "", "", false},
		{"=emptykey", "", "emptykey", true},
	}
	for _, c := range cases {
		key, val, ok := cut(c.in)
		if key != c.key || val != c.val || ok != c.ok {
			t.Errorf("cut(%q) = (%q, %q, %v), want (%q, %q, %v)", c.in, key, val, ok, c.key, c.val, c.ok)
		}
	}
}
