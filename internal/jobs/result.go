package jobs

import (
	"github.com/Yapping72/r2d/internal/storage"
)

// Result is returned by every lifecycle operation. Expected failures such as
// store errors, remote errors and status guards are reported here instead of
// as a returned error.
type Result struct {
	Success bool
	Job     *storage.Job
	Err     error
}

func succeeded(job storage.Job) Result {
	return Result{Success: true, Job: &job}
}

func failed(err error) Result {
	return Result{Err: err}
}

func failedWith(job storage.Job, err error) Result {
	return Result{Job: &job, Err: err}
}
