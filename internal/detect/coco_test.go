package detect

import "testing"

func TestClassFromLabel(t *testing.T) {
	tests := []struct {
		name  string
		label int
		want  int
		ok    bool
	}{
		{"person", 1, 0, true},
		{"car", 3, 2, true},
		{"bench before the first gap shift", 15, 13, true},
		{"bird shifts past street sign", 16, 14, true},
		{"cat", 17, 15, true},
		{"dog", 18, 16, true},
		{"horse", 19, 17, true},
		{"toothbrush at the end of the table", 90, 79, true},
		{"background", 0, 0, false},
		{"street sign gap", 12, 0, false},
		{"hair brush gap", 91, 0, false},
		{"beyond the label range", 120, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := classFromLabel(tt.label)
			if ok != tt.ok {
				t.Fatalf("classFromLabel(%d) ok = %v, want %v", tt.label, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("classFromLabel(%d) = %d (%s), want %d (%s)",
					tt.label, got, ClassName(got), tt.want, ClassName(tt.want))
			}
		})
	}
}

// The default secondary classes must land on the silhouettes inflatable
// costumes get mistaken for, not their raw-label neighbors.
func TestSecondaryDefaultsResolveToExpectedNames(t *testing.T) {
	want := map[int]string{2: "car", 14: "bird", 16: "dog", 17: "horse"}
	for id, name := range want {
		if got := ClassName(id); got != name {
			t.Errorf("ClassName(%d) = %q, want %q", id, got, name)
		}
	}
}
