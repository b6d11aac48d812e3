package normalize

import "testing"

func TestAlias(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already normal", "wohnzimmer", "wohnzimmer"},
		{"capitalised", "Wohnzimmer", "wohnzimmer"},
		{"umlaut and space", "Wöhnz immer", "wohnzimmer"},
		{"punctuation", "Living-Room!", "livingroom"},
		{"accents", "Café Lounge", "cafelounge"},
		{"digits kept", "Room 2", "room2"},
		{"empty", "", ""},
		{"only punctuation", "-- !!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Alias(tt.in); got != tt.want {
				t.Errorf("Alias(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAliasIdempotent(t *testing.T) {
	inputs := []string{"Wöhnz immer", "Büro", "Kids' Room"}
	for _, in := range inputs {
		once := Alias(in)
		if twice := Alias(once); twice != once {
			t.Errorf("Alias not idempotent for %q: %q != %q", in, twice, once)
		}
	}
}
