package phonetic_test

import (
	"testing"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub/phonetic"
)

var areas = []string{"kitchen", "living_room", "master_bedroom", "garage", "office"}

func TestResolve(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	tests := []struct {
		spoken string
		want   string
		ok     bool
	}{
		{"kitchen", "kitchen", true},
		{"Living Room", "living_room", true},
		{"the garage", "garage", true},
		{"living-room", "living_room", true},
		{"kitchin", "kitchen", true},
		{"bedroom", "master_bedroom", true},
		{"spaceship", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.spoken, func(t *testing.T) {
			t.Parallel()
			got, conf, ok := m.Resolve(tt.spoken, areas)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Resolve(%q) = %q, %v, %v; want %q, %v", tt.spoken, got, conf, ok, tt.want, tt.ok)
			}
			if ok && (conf <= 0 || conf > 1) {
				t.Errorf("confidence %v out of range", conf)
			}
		})
	}
}

func TestResolve_ExactHasFullConfidence(t *testing.T) {
	t.Parallel()

	_, conf, ok := phonetic.New().Resolve("office", areas)
	if !ok || conf != 1 {
		t.Errorf("exact match confidence = %v, ok = %v; want 1, true", conf, ok)
	}
}

func TestResolve_NoAreas(t *testing.T) {
	t.Parallel()

	if _, _, ok := phonetic.New().Resolve("kitchen", nil); ok {
		t.Error("expected no match with empty area list")
	}
}

func TestResolve_StrictThresholds(t *testing.T) {
	t.Parallel()

	m := phonetic.New(phonetic.WithPhoneticThreshold(0.99), phonetic.WithFuzzyThreshold(0.99))
	if got, _, ok := m.Resolve("kitchin", areas); ok {
		t.Errorf("strict matcher accepted %q", got)
	}
}
