package ifaceresolver

import "testing"

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	cases := []struct{ key, value string }{
		{"ro", "true"},
		{"ro", "false"},
		{"region", "eu-west"},
		{"port", "8080"},
	}
	for _, c := range cases {
		entry := encodeEntry(c.key, c.value)
		gotKey, gotValue := decodeEntry(entry)
		if gotKey != c.key || gotValue != c.value {
			t.Errorf("decodeEntry(encodeEntry(%q, %q)) = (%q, %q), want (%q, %q)",
				c.key, c.value, gotKey, gotValue, c.key, c.value)
		}
	}
}

func TestDecodePropertiesRoundTripsEncodeProperties(t *testing.T) {
	props := map[string]string{"ro": "false", "region": "eu-west"}
	entries := encodeProperties(props, nil)
	got := decodeProperties(entries)
	for k, v := range props {
		if got[k] != v {
			t.Errorf("decodeProperties()[%q] = %q, want %q", k, got[k], v)
		}
	}
}
