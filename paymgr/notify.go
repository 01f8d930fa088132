// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package paymgr

import "sync"

// JobState describes the last asynchronous notification job.
type JobState uint8

const (
	// JobNotStarted means no job has run this process lifetime.
	JobNotStarted JobState = iota

	// JobInProgress means a job is currently running.
	JobInProgress

	// JobSucceeded means the last job completed without error.
	JobSucceeded

	// JobFailed means the last job returned an error.
	JobFailed
)

// String returns a human readable name for the state.
func (s JobState) String() string {
	switch s {
	case JobNotStarted:
		return "not-started"
	case JobInProgress:
		return "in-progress"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	}
	return "unknown"
}

// Notifier is the single ambient slot tracking the last asynchronous
// notification job, such as mailing the day's ledger to the merchant.  It
// holds exactly one job's state, overwritten when a new job starts, and is
// read by polling clients.
type Notifier struct {
	mu    sync.Mutex
	state JobState
	err   error
}

// Start launches job on its own goroutine, overwriting any previous job's
// state.  The job body (mail dispatch and the like) is the caller's
// concern.
func (n *Notifier) Start(job func() error) {
	n.mu.Lock()
	n.state = JobInProgress
	n.err = nil
	n.mu.Unlock()

	go func() {
		err := job()

		n.mu.Lock()
		if err != nil {
			n.state = JobFailed
			n.err = err
		} else {
			n.state = JobSucceeded
		}
		n.mu.Unlock()

		if err != nil {
			log.Errorf("Notification job failed: %v", err)
		}
	}()
}

// State returns the state of the last job and, for a failed job, its
// error.
func (n *Notifier) State() (JobState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, n.err
}
