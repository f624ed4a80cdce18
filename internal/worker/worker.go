package worker

import (
	"log/slog"
)

// JobType tells a worker what to do with a job.
type JobType int

const (
	// Run executes the job's function.
	Run JobType = iota
	// Stop retires the worker that receives it.
	Stop
)

// Job is a unit of AI work. Jobs sharing a Key are served in submission
// order; different keys are served round-robin.
type Job struct {
	Type JobType
	Key  string
	Run  func()
}

// Worker executes jobs handed to it by the pool.
type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
	quit       chan struct{}
}

func NewWorker(pool *jobChannelPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			select {
			case job := <-w.jobChannel:
				if job.Type == Stop {
					w.pool.retire(w.jobChannel)
					return
				}
				w.execute(job)
				w.pool.Release(w.jobChannel)
			case <-w.quit:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) Stop() {
	close(w.quit)
}

func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker job panicked", "key", job.Key, "panic", r)
		}
	}()
	if job.Run != nil {
		job.Run()
	}
}
