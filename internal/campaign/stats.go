package campaign

import (
	"context"
	"fmt"

	"pushbot/internal/delivery"
)

// Stats is the aggregate view shown on the admin dashboard.
type Stats struct {
	Recipients         int             `json:"recipients"`
	ActiveRecipients   int             `json:"active_recipients"`
	Campaigns          int             `json:"campaigns"`
	CampaignsByStatus  map[Status]int  `json:"campaigns_by_status"`
	CompletedCampaigns int             `json:"completed_campaigns"`
	Logs               delivery.Counts `json:"logs"`
	LogsTotal          int             `json:"logs_total"`
	SuccessRate        float64         `json:"success_rate"`
}

func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if c.dir != nil {
		total, active, err := c.dir.Counts(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("count recipients: %w", err)
		}
		st.Recipients, st.ActiveRecipients = total, active
	}

	byStatus, err := c.store.CountCampaigns(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count campaigns: %w", err)
	}
	st.CampaignsByStatus = make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		st.CampaignsByStatus[s] = byStatus[s]
		st.Campaigns += byStatus[s]
	}
	st.CompletedCampaigns = byStatus[StatusCompleted]

	counts, err := c.logs.CountLogs(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count logs: %w", err)
	}
	st.Logs = delivery.Counts{}
	for _, s := range delivery.Statuses {
		st.Logs[s] = counts[s]
		st.LogsTotal += counts[s]
	}
	st.SuccessRate = counts.SuccessRate()
	return st, nil
}
