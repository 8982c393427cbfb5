// Package shell implements the Shell Runtime adapter (spec.md §4.4): fork
// a local process, stream its stdout to a log file that is uploaded to the
// Blob Store, and map its exit code
// to a terminal result. Adapted from the teacher's pkg/worker "wait for a
// done file" contract (pkg/worker/worker.go), simplified to a direct
// subprocess since this adapter owns the process itself rather than
// co-scheduling a container that signals completion via a waitfile.
package shell

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kernelci/kernelci-pipeline/pkg/blob"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime"
)

// Adapter runs jobs as local subprocesses. Command renders the argv for a
// job the same way the config.Job.Template would be rendered by the
// external template engine (spec.md §9); tests inject a fixed Command.
type Adapter struct {
	Blob     blob.Store
	WorkRoot string
	Command  func(job runtime.Job) (name string, args []string)

	mu     sync.Mutex
	procs  map[runtime.Handle]*exec.Cmd
	done   map[runtime.Handle]runtime.Status
}

// New constructs a shell Adapter.
func New(b blob.Store, workRoot string, command func(job runtime.Job) (string, []string)) *Adapter {
	return &Adapter{
		Blob:     b,
		WorkRoot: workRoot,
		Command:  command,
		procs:    make(map[runtime.Handle]*exec.Cmd),
		done:     make(map[runtime.Handle]runtime.Status),
	}
}

// Submit starts job as a subprocess, streaming stdout/stderr to a log file
// under WorkRoot/<node id>.log, and uploads that log to the Blob Store once
// the process exits; the uploaded log's URL is not recorded on the Node.
// Submission itself only fails if the process cannot be
// started at all (spec.md §4.4 "submission failures").
func (a *Adapter) Submit(ctx context.Context, job runtime.Job) (runtime.Handle, error) {
	name, args := a.Command(job)

	logPath := filepath.Join(a.WorkRoot, job.Node.ID+".log")
	if err := os.MkdirAll(a.WorkRoot, 0755); err != nil {
		return "", errors.Wrap(err, "shell: preparing work directory")
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return "", errors.Wrap(err, "shell: creating log file")
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return "", errors.Wrap(err, "shell: starting process")
	}

	handle := runtime.Handle(strconv.Itoa(cmd.Process.Pid) + ":" + job.Node.ID)

	a.mu.Lock()
	a.procs[handle] = cmd
	a.mu.Unlock()

	go a.await(ctx, handle, cmd, logFile, logPath, job.Node)

	return handle, nil
}

func (a *Adapter) await(ctx context.Context, handle runtime.Handle, cmd *exec.Cmd, logFile *os.File, logPath string, n node.Node) {
	err := cmd.Wait()
	logFile.Close()

	status := runtime.Status{Done: true, Result: node.ResultPass}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			logrus.WithFields(logrus.Fields{"id": n.ID, "exit_code": exitErr.ExitCode()}).
				Warn("shell: job exited non-zero")
			status.Result = node.ResultFail
		} else {
			status.Result = node.ResultIncomplete
			status.ErrorCode = "shell_exec_error"
			status.ErrorMsg = err.Error()
		}
	}

	if a.Blob != nil {
		if f, openErr := os.Open(logPath); openErr == nil {
			if url, upErr := a.Blob.Upload(ctx, n.ID+".log", f); upErr == nil {
				_ = url // not recorded: Status has no artifact field, so the log URL never reaches the Node
			}
			f.Close()
		}
	}

	a.mu.Lock()
	delete(a.procs, handle)
	a.done[handle] = status
	a.mu.Unlock()
}

// Poll reports whether handle's process has exited.
func (a *Adapter) Poll(_ context.Context, handle runtime.Handle) (runtime.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if status, ok := a.done[handle]; ok {
		return status, nil
	}
	return runtime.Status{Done: false}, nil
}

// Cancel kills the subprocess backing handle, if still running.
func (a *Adapter) Cancel(_ context.Context, handle runtime.Handle) error {
	a.mu.Lock()
	cmd, ok := a.procs[handle]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if cmd.Process == nil {
		return nil
	}
	return errors.Wrap(cmd.Process.Kill(), "shell: cancelling process")
}

var _ runtime.Adapter = (*Adapter)(nil)
