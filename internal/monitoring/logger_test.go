package monitoring

import (
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) { got = format })
	Logf("[stage] moved")
	if got != "[stage] moved" {
		t.Errorf("custom logger saw %q", got)
	}

	got = ""
	SetLogger(nil)
	Logf("[stage] muted")
	if got != "" {
		t.Errorf("nil logger should mute output, custom logger saw %q", got)
	}
}

func TestCapture(t *testing.T) {
	lines, restore := Capture()
	Logf("[scan] iteration %d", 3)
	Logf("[feed] %s", "ready")
	restore()

	got := lines()
	if len(got) != 2 || got[0] != "[scan] iteration 3" || got[1] != "[feed] ready" {
		t.Errorf("captured %q", got)
	}
	Logf("after restore")
	if len(lines()) != 2 {
		t.Error("logging after restore should not be captured")
	}
}

func TestCapture_Nested(t *testing.T) {
	outer, restoreOuter := Capture()
	Logf("outer 1")
	inner, restoreInner := Capture()
	Logf("inner")
	restoreInner()
	Logf("outer 2")
	restoreOuter()

	if got := inner(); len(got) != 1 || got[0] != "inner" {
		t.Errorf("inner captured %q", got)
	}
	if got := outer(); len(got) != 2 || got[1] != "outer 2" {
		t.Errorf("outer captured %q", got)
	}
}
