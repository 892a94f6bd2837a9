package model

// Outcome is the per-destination result of one broadcast.
type Outcome string

const (
	Delivered        Outcome = "delivered"
	AlreadyDelivered Outcome = "already_delivered"
	Failed           Outcome = "failed"
)

type Result struct {
	Destination Destination
	Outcome     Outcome
	Err         error
}

// Summary counts outcomes.
type Summary struct {
	Delivered        int
	AlreadyDelivered int
	Failed           int
}

func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Outcome {
		case Delivered:
			s.Delivered++
		case AlreadyDelivered:
			s.AlreadyDelivered++
		case Failed:
			s.Failed++
		}
	}
	return s
}

// DeliveredTo returns the destinations with a Delivered outcome, in order.
func DeliveredTo(results []Result) []Destination {
	out := make([]Destination, 0, len(results))
	for _, r := range results {
		if r.Outcome == Delivered {
			out = append(out, r.Destination)
		}
	}
	return out
}
