package ws

import "testing"

func TestClientWantsJob(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		jobID  string
		want   bool
	}{
		{name: "no filter receives everything", filter: "", jobID: "job-1", want: true},
		{name: "matching filter", filter: "job-1", jobID: "job-1", want: true},
		{name: "non-matching filter", filter: "job-1", jobID: "job-2", want: false},
		{name: "unscoped frame passes filter", filter: "job-1", jobID: "", want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &Client{}
			if tc.filter != "" {
				c.setJobFilter(tc.filter)
			}
			if got := c.wantsJob(tc.jobID); got != tc.want {
				t.Errorf("wantsJob(%q) with filter %q = %v, want %v", tc.jobID, tc.filter, got, tc.want)
			}
		})
	}
}

func TestEventSequencePerTenant(t *testing.T) {
	seq := NewEventSequence()

	if got := seq.Next("a"); got != 1 {
		t.Fatalf("first id for tenant a = %d, want 1", got)
	}
	if got := seq.Next("a"); got != 2 {
		t.Fatalf("second id for tenant a = %d, want 2", got)
	}
	// Counters are independent per tenant.
	if got := seq.Next("b"); got != 1 {
		t.Fatalf("first id for tenant b = %d, want 1", got)
	}
}
