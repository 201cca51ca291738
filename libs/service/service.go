package service

import (
	"context"
	"errors"
	"sync"

	"github.com/treesync/treesync/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service.
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until
	// the context terminates. If the service is already running, Start
	// must report an error.
	Start(context.Context) error

	// Return true if the service is running
	IsRunning() bool

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the
// BaseService implementation wraps.
type Implementation interface {
	// Called by the Services Start Method
	OnStart(context.Context) error

	// Called when the service's context is canceled.
	OnStop()
}

/*
BaseService runs an Implementation between Start and the cancellation of the
context passed to Start (or an explicit Stop, whichever comes first).

OnStart is called at most once per successful Start. If OnStart returns an
error the service is not marked as started. OnStop is called exactly once,
after which Wait returns.

Typical usage:

	type FooService struct {
		service.BaseService
		// private fields
	}

	func NewFooService(logger log.Logger) *FooService {
		fs := &FooService{}
		fs.BaseService = *service.NewBaseService(logger, "FooService", fs)
		return fs
	}

	func (fs *FooService) OnStart(ctx context.Context) error {
		// start subroutines bound to ctx
	}

	func (fs *FooService) OnStop() {
		// close/destroy private fields
	}
*/
type BaseService struct {
	logger log.Logger
	name   string

	mtx     sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
	quit    chan struct{}

	// The "subclass" of BaseService
	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &BaseService{
		logger: logger,
		name:   name,
		quit:   make(chan struct{}),
		impl:   impl,
	}
}

// Start starts the Service and calls its OnStart method. An error will be
// returned if the service is already running or stopped.
func (bs *BaseService) Start(ctx context.Context) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.stopped {
		bs.logger.Error("not starting service; already stopped", "service", bs.name)
		return ErrAlreadyStopped
	}
	if bs.started {
		return ErrAlreadyStarted
	}

	bs.logger.Info("starting service", "service", bs.name)

	ctx, bs.cancel = context.WithCancel(ctx)
	if err := bs.impl.OnStart(ctx); err != nil {
		bs.cancel()
		return err
	}
	bs.started = true

	go func() {
		select {
		case <-bs.quit:
			// someone else explicitly called stop
			// and then we shouldn't.
			return
		case <-ctx.Done():
			if err := bs.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
				bs.logger.Error("stopped service", "err", err.Error(), "service", bs.name)
			}
		}
	}()

	return nil
}

// Stop calls OnStop and closes the quit channel. An error will be returned
// if the service is already stopped or was never started.
func (bs *BaseService) Stop() error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.stopped {
		return ErrAlreadyStopped
	}
	if !bs.started {
		bs.logger.Error("not stopping service; not started yet", "service", bs.name)
		return ErrNotStarted
	}

	bs.logger.Info("stopping service", "service", bs.name)
	bs.stopped = true
	bs.cancel()
	bs.impl.OnStop()
	close(bs.quit)

	return nil
}

// IsRunning implements Service by returning true or false depending on the
// service's state.
func (bs *BaseService) IsRunning() bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	return bs.started && !bs.stopped
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// String implements Service by returning a string representation of the service.
func (bs *BaseService) String() string { return bs.name }
