package broker

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

// Snapshot 目前狀態的一致快照，任務依加入順序排列
func (b *Broker) Snapshot(ctx context.Context) (types.Snapshot, error) {
	var snap types.Snapshot
	err := b.do(ctx, func() {
		jobs := b.jobs.All()
		views := make([]types.JobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, j.View())
		}
		snap = types.Snapshot{
			ClientCount: b.registry.Count(),
			BusyCount:   b.registry.BusyCount(),
			IsRunning:   b.running,
			Tasks:       views,
		}
	})
	return snap, err
}

// Job 單一任務的檢視
func (b *Broker) Job(ctx context.Context, id types.JobID) (types.JobView, error) {
	var view types.JobView
	var found bool
	if err := b.do(ctx, func() {
		var job types.Job
		job, found = b.jobs.Get(id)
		if found {
			view = job.View()
		}
	}); err != nil {
		return types.JobView{}, err
	}
	if !found {
		return types.JobView{}, fmt.Errorf("%w: %s", types.ErrUnknownJob, id)
	}
	return view, nil
}
