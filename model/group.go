package model

// GroupLabel is the coarse two-value group classification used for trust
// attribution and display.
type GroupLabel string

const (
	Group1 GroupLabel = "Group1"
	Group2 GroupLabel = "Group2"
)

// GroupForID derives the group label from vehicle id parity: even ids
// belong to Group2, odd ids to Group1.
func GroupForID(id int) GroupLabel {
	if id%2 == 0 {
		return Group2
	}
	return Group1
}

func (g GroupLabel) String() string { return string(g) }
