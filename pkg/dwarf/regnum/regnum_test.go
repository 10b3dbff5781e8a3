package regnum

import "testing"

func TestToName(t *testing.T) {
	for _, tc := range []struct {
		got, want string
	}{
		{AMD64ToName(AMD64_Rbp), "Rbp"},
		{AMD64ToName(AMD64_Rip), "Rip"},
		{AMD64ToName(99), "unknown99"},
		{ARM64ToName(ARM64_LR), "X30"},
		{ARM64ToName(ARM64_SP), "SP"},
		{ARM64ToName(ARM64_PC), "PC"},
		{ARM64ToName(70), "unknown70"},
	} {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}
