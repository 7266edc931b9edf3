package util

import "testing"

func TestHashStringMatchesHashKey(t *testing.T) {
	for _, s := range []string{"", "a", "key-42", "你好世界"} {
		if HashString(s) != HashKey([]byte(s)) {
			t.Errorf("HashString(%q) != HashKey", s)
		}
	}
}

// The hash is part of the file format, a changed value breaks reopening.
func TestHashKeyIsStable(t *testing.T) {
	if got := HashKey(nil); got != 0xef46db3751d8e999 {
		t.Errorf("HashKey(nil) = %#x", got)
	}
}

func TestStringBytes(t *testing.T) {
	if got := string(StringBytes("abc")); got != "abc" {
		t.Errorf("StringBytes = %q", got)
	}
	if len(StringBytes("")) != 0 {
		t.Errorf("StringBytes of empty string is not empty")
	}
}
