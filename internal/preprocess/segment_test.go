package preprocess

import "testing"

func TestFixedWindowsCoversFullDurationWithoutOverrun(t *testing.T) {
	windows := fixedWindows(95, 30)
	if len(windows) != 4 {
		t.Fatalf("expected 4 windows, got %d: %+v", len(windows), windows)
	}
	if windows[0].StartSecs != 0 || windows[0].EndSecs != 30 {
		t.Fatalf("unexpected first window: %+v", windows[0])
	}
	last := windows[len(windows)-1]
	if last.EndSecs != 95 {
		t.Fatalf("last window should end exactly at total duration, got %+v", last)
	}
}

func TestFixedWindowsSingleWindowWhenUnderMax(t *testing.T) {
	windows := fixedWindows(10, 30)
	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
	if windows[0].StartSecs != 0 || windows[0].EndSecs != 10 {
		t.Fatalf("unexpected window: %+v", windows[0])
	}
}

func TestFixedWindowsZeroDurationYieldsNoWindows(t *testing.T) {
	windows := fixedWindows(0, 30)
	if windows != nil {
		t.Fatalf("expected no windows for zero duration, got %+v", windows)
	}
}

func TestFixedWindowsZeroMaxLenYieldsSingleWindow(t *testing.T) {
	windows := fixedWindows(120, 0)
	if len(windows) != 1 || windows[0].EndSecs != 120 {
		t.Fatalf("expected one full-span window, got %+v", windows)
	}
}
