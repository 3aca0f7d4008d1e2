package cos

import "context"

// Runner is implemented by the daemon's long-running components (the
// replication and subscription TCP listeners, the HTTP server and the
// reconcile loop) so its rungroup can start and stop them uniformly,
// the way the teacher's `ais/daemon.go` rungroup drives `cos.Runner`s.
type Runner interface {
	Run(ctx context.Context) error
	Name() string
	Stop(err error)
}

func Max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func MaxI32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
