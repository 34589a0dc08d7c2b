package manager

import (
	"modelwarden/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clk.Now()
	resp := types.StatusResponse{
		Quota:            m.usageLocked(),
		UptimeSeconds:    int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:   now.Unix(),
		PreemptionsTotal: m.preemptions.Load(),
		LoadsTotal:       m.loads.Load(),
		UnloadsTotal:     m.unloads.Load(),
	}
	resp.Instances = make([]types.InstanceStatus, 0, len(m.order))
	for _, id := range m.order {
		resp.Instances = append(resp.Instances, m.instances[id].status())
	}
	return resp
}
