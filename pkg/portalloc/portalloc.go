// Package portalloc picks free local TCP ports for backend processes.
//
// Allocation is check-then-use: a port is free when a connect to it fails at
// check time. Nothing is reserved, so another process can still bind the port
// before the backend does; that shows up later as a crash-looping program in
// supervisord, not as an allocation error.
package portalloc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
)

// Checker tells whether something is listening on a local port.
type Checker interface {
	InUse(ctx context.Context, port int) bool
}

// TCPChecker checks by connecting to host:port.
type TCPChecker struct {
	Host    string
	Timeout time.Duration
}

func (p TCPChecker) InUse(ctx context.Context, port int) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Allocator draws candidates uniformly from [Min, Max).
type Allocator struct {
	min, max int
	checker  Checker
	rng      *rand.Rand
}

// New returns an allocator checking 127.0.0.1 over TCP.
func New(min, max int, timeout time.Duration) (*Allocator, error) {
	return NewWithChecker(min, max, TCPChecker{Host: "127.0.0.1", Timeout: timeout}, nil)
}

// NewWithChecker is New with a custom checker and random source. A nil rng
// uses a randomly seeded one.
func NewWithChecker(min, max int, checker Checker, rng *rand.Rand) (*Allocator, error) {
	if min <= 0 || max > 65536 || min >= max {
		return nil, fmt.Errorf("invalid port range [%d, %d): %w", min, max, errdefs.ErrInvalidArgument)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Allocator{min: min, max: max, checker: checker, rng: rng}, nil
}

// Range returns the candidate bounds, max excluded.
func (a *Allocator) Range() (int, int) {
	return a.min, a.max
}

// Contains reports whether port is a possible candidate.
func (a *Allocator) Contains(port int) bool {
	return port >= a.min && port < a.max
}

// InUse checks a single port.
func (a *Allocator) InUse(ctx context.Context, port int) bool {
	return a.checker.InUse(ctx, port)
}

// Allocate returns a port nobody is listening on right now. It retries until
// it finds one; only ctx ends the search early.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("port allocation aborted: %w", err)
		}
		port := a.min + a.rng.IntN(a.max-a.min)
		if !a.checker.InUse(ctx, port) {
			return port, nil
		}
	}
}
