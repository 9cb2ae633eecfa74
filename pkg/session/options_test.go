package session

import "testing"

func TestOptionDefaults(t *testing.T) {
	o := NewOptions()
	tests := []struct {
		name string
		want int
	}{
		{OptPlatformPort, 8100},
		{OptTransformPort, 8200},
		{OptNemIDStart, 1},
		{OptLogLevel, 2},
	}
	for _, tt := range tests {
		if got := o.GetInt(tt.name, -1); got != tt.want {
			t.Errorf("GetInt(%s) = %d, want %d", tt.name, got, tt.want)
		}
	}
	if !o.GetBool(OptRealtime, false) {
		t.Error("realtime should default to true")
	}
	if o.GetBool(OptLinkEnabled, true) {
		t.Error("link_enabled should default to false")
	}
	if !o.GetBool(OptEventGenerate, false) {
		t.Error("radio_event_generate should default to true")
	}
	if o.GetBool(OptEventMonitor, true) {
		t.Error("radio_event_monitor should default to false")
	}
}

func TestOptionOverride(t *testing.T) {
	o := NewOptions()
	o.Set(OptNemIDStart, "100")
	if got := o.GetInt(OptNemIDStart, 1); got != 100 {
		t.Errorf("override lost: %d", got)
	}
}

func TestGetIntMalformed(t *testing.T) {
	o := NewOptions()
	o.Set("custom", "not-a-number")
	if got := o.GetInt("custom", 42); got != 42 {
		t.Errorf("malformed int should fall back: %d", got)
	}
	if got := o.GetInt("unset", 7); got != 7 {
		t.Errorf("unset option should fall back: %d", got)
	}
}

func TestGetBoolForms(t *testing.T) {
	o := NewOptions()
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true}, {"true", true}, {"on", true}, {"yes", true},
		{"0", false}, {"false", false}, {"off", false}, {"no", false},
	}
	for _, tt := range tests {
		o.Set("flag", tt.value)
		if got := o.GetBool("flag", !tt.want); got != tt.want {
			t.Errorf("GetBool(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
	o.Set("flag", "maybe")
	if !o.GetBool("flag", true) {
		t.Error("unparseable bool should fall back to default")
	}
}
