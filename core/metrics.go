package core

import (
	"sync/atomic"
	"time"

	"gasrelay/native/fees"
)

// PerformanceMetrics is the aggregate over every terminal transition.
type PerformanceMetrics struct {
	TotalProcessed       uint64        `json:"totalProcessed"`
	TotalSucceeded       uint64        `json:"totalSucceeded"`
	TotalFailed          uint64        `json:"totalFailed"`
	TotalGasUsed         uint64        `json:"totalGasUsed"`
	AverageExecutionTime time.Duration `json:"averageExecutionTime"`
	SuccessRateBps       uint64        `json:"successRateBps"`
}

type performance struct {
	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	gasUsed   atomic.Uint64
	execNanos atomic.Uint64
}

func (p *performance) record(success bool, gasUsed uint64, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if success {
		p.succeeded.Add(1)
	} else {
		p.failed.Add(1)
	}
	p.gasUsed.Add(gasUsed)
	p.execNanos.Add(uint64(d))
	p.processed.Add(1)
}

func (p *performance) snapshot() PerformanceMetrics {
	// processed is bumped last by record, so reading it first keeps the
	// ratio within bounds while a record is in flight.
	out := PerformanceMetrics{TotalProcessed: p.processed.Load()}
	out.TotalSucceeded = min(p.succeeded.Load(), out.TotalProcessed)
	out.TotalFailed = min(p.failed.Load(), out.TotalProcessed-out.TotalSucceeded)
	out.TotalGasUsed = p.gasUsed.Load()
	if out.TotalProcessed > 0 {
		out.AverageExecutionTime = time.Duration(p.execNanos.Load() / out.TotalProcessed)
		out.SuccessRateBps = out.TotalSucceeded * fees.BasisPoints / out.TotalProcessed
	}
	return out
}
