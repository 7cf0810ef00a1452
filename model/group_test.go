package model

import "testing"

func TestGroupForIDParity(t *testing.T) {
	tests := []struct {
		id   int
		want GroupLabel
	}{
		{id: 0, want: Group2},
		{id: 4, want: Group2},
		{id: 7, want: Group1},
		{id: 13, want: Group1},
	}
	for _, tt := range tests {
		for i := 0; i < 3; i++ {
			if got := GroupForID(tt.id); got != tt.want {
				t.Fatalf("GroupForID(%d) = %q, want %q", tt.id, got, tt.want)
			}
		}
	}
}

func TestParseKindRejectsUnknown(t *testing.T) {
	if _, err := ParseKind("speedingTicket"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	k, err := ParseKind(KindValidationReport.String())
	if err != nil || k != KindValidationReport {
		t.Fatalf("ParseKind(validationReport) = %v, %v", k, err)
	}
}
