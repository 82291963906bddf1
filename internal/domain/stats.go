package domain

import (
	"sort"
	"time"
)

// JobCount is the number of jobs in one (host, serviceType, status) bucket.
// Jobs that were never claimed are counted with an empty Host.
type JobCount struct {
	Host        string `json:"host"`
	ServiceType string `json:"service_type"`
	Status      Status `json:"status"`
	Count       int    `json:"count"`
}

// OperationStats holds average timings for one operation.
type OperationStats struct {
	Operation    string        `json:"operation"`
	Count        int           `json:"count"`
	AvgQueueTime time.Duration `json:"avg_queue_time"`
	AvgRunTime   time.Duration `json:"avg_run_time"`
}

// SortJobs orders jobs by creation time, then id.
func SortJobs(jobs []*Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].DateCreated.Equal(jobs[k].DateCreated) {
			return jobs[i].DateCreated.Before(jobs[k].DateCreated)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

// HasStatus reports whether s is among statuses. An empty list matches every status.
func HasStatus(s Status, statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// SumRunningLoad computes per-host load from a set of jobs.
func SumRunningLoad(jobs []*Job) map[string]float64 {
	loads := make(map[string]float64)
	for _, j := range jobs {
		if j.CountsTowardLoad() {
			loads[j.ProcessorHost] += j.Load
		}
	}
	return loads
}

// CountJobs groups jobs by (processor host, service type, status).
func CountJobs(jobs []*Job) []JobCount {
	type key struct {
		host, serviceType string
		status            Status
	}
	counts := make(map[key]int)
	for _, j := range jobs {
		counts[key{j.ProcessorHost, j.ServiceType, j.Status}]++
	}
	out := make([]JobCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, JobCount{Host: k.host, ServiceType: k.serviceType, Status: k.status, Count: n})
	}
	SortJobCounts(out)
	return out
}

// SortJobCounts orders counts by host, service type and status.
func SortJobCounts(counts []JobCount) {
	sort.Slice(counts, func(i, k int) bool {
		a, b := counts[i], counts[k]
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		if a.ServiceType != b.ServiceType {
			return a.ServiceType < b.ServiceType
		}
		return a.Status < b.Status
	})
}

// TimedStatuses are the statuses whose jobs carry both queue and run time.
var TimedStatuses = []Status{StatusFinished, StatusFailed, StatusFailedAfterMaxAttempts}

// AverageTimes computes per-operation timing averages over completed jobs
// that ran. Other jobs do not contribute.
func AverageTimes(jobs []*Job) []OperationStats {
	type acc struct {
		n          int
		queue, run time.Duration
	}
	byOp := make(map[string]*acc)
	for _, j := range jobs {
		if !HasStatus(j.Status, TimedStatuses) {
			continue
		}
		a, ok := byOp[j.Operation]
		if !ok {
			a = &acc{}
			byOp[j.Operation] = a
		}
		a.n++
		a.queue += j.QueueTime
		a.run += j.RunTime
	}
	out := make([]OperationStats, 0, len(byOp))
	for op, a := range byOp {
		out = append(out, OperationStats{
			Operation:    op,
			Count:        a.n,
			AvgQueueTime: a.queue / time.Duration(a.n),
			AvgRunTime:   a.run / time.Duration(a.n),
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Operation < out[k].Operation })
	return out
}
