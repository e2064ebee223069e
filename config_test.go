package scriptpool

import "testing"

func TestConfigWithDefaults(t *testing.T) {
	c := Config{}.withDefaults()

	if c.ThreadCount != defaultThreadCount {
		t.Errorf("ThreadCount = %d, want %d", c.ThreadCount, defaultThreadCount)
	}
	if c.MaxContextsPerRuntime != defaultMaxContextsPerRuntime {
		t.Errorf("MaxContextsPerRuntime = %d, want %d", c.MaxContextsPerRuntime, defaultMaxContextsPerRuntime)
	}
	if c.IdleThreshold != defaultIdleThreshold {
		t.Errorf("IdleThreshold = %d, want %d", c.IdleThreshold, defaultIdleThreshold)
	}
	if c.MinThreadCount != defaultMinThreadCount {
		t.Errorf("MinThreadCount = %d, want %d", c.MinThreadCount, defaultMinThreadCount)
	}
	if c.Backend != "quickjs" {
		t.Errorf("Backend = %q, want %q", c.Backend, "quickjs")
	}
	if c.Logger == nil {
		t.Error("Logger should default to a non-nil no-op logger")
	}
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	c := Config{
		ThreadCount:           8,
		MaxContextsPerRuntime: 16,
		IdleThreshold:         5,
		MinThreadCount:        2,
		Backend:               "v8",
	}.withDefaults()

	if c.ThreadCount != 8 {
		t.Errorf("ThreadCount = %d, want 8 (explicit value overwritten)", c.ThreadCount)
	}
	if c.MaxContextsPerRuntime != 16 {
		t.Errorf("MaxContextsPerRuntime = %d, want 16", c.MaxContextsPerRuntime)
	}
	if c.IdleThreshold != 5 {
		t.Errorf("IdleThreshold = %d, want 5", c.IdleThreshold)
	}
	if c.MinThreadCount != 2 {
		t.Errorf("MinThreadCount = %d, want 2", c.MinThreadCount)
	}
	if c.Backend != "v8" {
		t.Errorf("Backend = %q, want %q", c.Backend, "v8")
	}
}

func TestConfigZeroSizesMeanUnbounded(t *testing.T) {
	c := Config{}.withDefaults()
	if c.GlobalQueueSize != 0 {
		t.Errorf("GlobalQueueSize = %d, want 0 (unbounded default)", c.GlobalQueueSize)
	}
	if c.LocalQueueSize != 0 {
		t.Errorf("LocalQueueSize = %d, want 0 (unbounded default)", c.LocalQueueSize)
	}
	if c.MaxThreadCount != 0 {
		t.Errorf("MaxThreadCount = %d, want 0 (unbounded default)", c.MaxThreadCount)
	}
}
