// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package companion simulates the firmware of the low-power companion
// processor: it polls the message box, serves the commands posted in the
// shared memory and answers through the RX slot.
package companion

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/siderolabs/psci-scpi/internal/util"
	"github.com/siderolabs/psci-scpi/pkg/msgbox"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

const (
	// idle polling backs off from minDelay to maxDelay
	minDelay = 5 * time.Microsecond
	maxDelay = 500 * time.Microsecond
)

// ErrUnknownCommand is returned by Dispatch for a command without handler.
var ErrUnknownCommand = errors.New("unknown command")

// CommandHandler is given the request payload and returns the response
// payload. A scpi.Status error is sent back as is; any other error as
// scpi.StatusHandler.
type CommandHandler func(payload []byte) ([]byte, error)

type registration struct {
	handler CommandHandler
	silent  bool
}

// Event is one served command.
type Event struct {
	Command scpi.Command `yaml:"command"`
	Request []byte       `yaml:"request,flow"`
	Status  scpi.Status  `yaml:"status"`
	Reply   []byte       `yaml:"reply,flow,omitempty"`
	Silent  bool         `yaml:"silent,omitempty"`
}

// Service receives and dispatches requests from the application cores.
type Service struct {
	logger *slog.Logger
	shmem  scpi.Shmem
	mbox   *msgbox.Block

	stop chan struct{}
	wg   sync.WaitGroup

	// held while a request is being served
	serving sync.Mutex

	mu        sync.Mutex
	handlers  map[scpi.Command]registration
	overrides map[scpi.Command]scpi.Status
	latency   time.Duration
	served    map[scpi.Command]uint64
	tracing   bool
	trace     []Event
	deferred  []func()
}

// NewService returns a service over the companion side of the message box.
func NewService(logger *slog.Logger, shmem scpi.Shmem, mbox *msgbox.Block) *Service {
	return &Service{
		logger:    logger,
		shmem:     shmem,
		mbox:      mbox,
		stop:      make(chan struct{}),
		handlers:  make(map[scpi.Command]registration),
		overrides: make(map[scpi.Command]scpi.Status),
		served:    make(map[scpi.Command]uint64),
	}
}

// RegisterCommandHandler registers a command answered with a response.
func (s *Service) RegisterCommandHandler(cmd scpi.Command, handler CommandHandler) {
	s.register(cmd, registration{handler: handler})
}

// RegisterNotificationHandler registers a command that is never answered.
func (s *Service) RegisterNotificationHandler(cmd scpi.Command, handler func(payload []byte)) {
	s.register(cmd, registration{
		handler: func(payload []byte) ([]byte, error) {
			handler(payload)

			return nil, nil
		},
		silent: true,
	})
}

func (s *Service) register(cmd scpi.Command, r registration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	util.TraceLog(s.logger, "registering command", "command", cmd, "silent", r.silent)
	s.handlers[cmd] = r
}

// SetLatency delays every response by d.
func (s *Service) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latency = d
}

// InjectStatus makes every response to cmd carry status. StatusOK clears the override.
func (s *Service) InjectStatus(cmd scpi.Command, status scpi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == scpi.StatusOK {
		delete(s.overrides, cmd)

		return
	}

	s.overrides[cmd] = status
}

// EnableTrace records every served command from now on.
func (s *Service) EnableTrace() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracing = true
}

// Trace returns the recorded commands.
func (s *Service) Trace() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Event(nil), s.trace...)
}

// Served returns how many times each command was received.
func (s *Service) Served() map[scpi.Command]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	served := make(map[scpi.Command]uint64, len(s.served))
	for cmd, n := range s.served {
		served[cmd] = n
	}

	return served
}

// AfterReply schedules f to run once the response being prepared is posted.
// Handlers use it for actions the application cores must not observe before
// the response, like cutting system power.
func (s *Service) AfterReply(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deferred = append(s.deferred, f)
}

// Announce posts the boot message the firmware waits for before its first command.
func (s *Service) Announce() error {
	s.logger.Info("companion firmware up")

	if err := s.shmem.PostResponse(scpi.Message{Header: scpi.Header{Command: scpi.CommandSCPReady}}); err != nil {
		return err
	}

	s.mbox.Push(scpi.RXChannel, 1)

	return nil
}

// Dispatch serves one request. It returns false when no response must be sent.
func (s *Service) Dispatch(req scpi.Message) (scpi.Message, bool) {
	l := s.logger.With("command", req.Command)

	s.mu.Lock()
	r, ok := s.handlers[req.Command]
	override, overridden := s.overrides[req.Command]
	s.served[req.Command]++
	s.mu.Unlock()

	resp := scpi.Message{Header: scpi.Header{Command: req.Command, Sender: req.Sender}}

	if !ok {
		l.Warn("unknown command", "err", ErrUnknownCommand)

		resp.Status = scpi.StatusSupport
	} else {
		payload, err := r.handler(req.Payload)

		var status scpi.Status

		switch {
		case err == nil:
		case errors.As(err, &status):
			resp.Status = status
		default:
			l.Error("error handling command", "err", err)

			resp.Status = scpi.StatusHandler
		}

		if err == nil {
			resp.Payload = payload
		}

		if r.silent {
			s.record(req, resp, true)

			return scpi.Message{}, false
		}
	}

	if overridden {
		resp.Status = override
	}

	resp.Size = uint16(len(resp.Payload))
	s.record(req, resp, false)

	return resp, true
}

func (s *Service) record(req, resp scpi.Message, silent bool) {
	util.TraceLog(s.logger, "served command", "command", req.Command, "request", req.Payload, "status", uint32(resp.Status), "reply", resp.Payload, "silent", silent)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tracing {
		return
	}

	ev := Event{Command: req.Command, Request: req.Payload, Silent: silent}
	if !silent {
		ev.Status = resp.Status
		ev.Reply = resp.Payload
	}

	s.trace = append(s.trace, ev)
}

// Settled waits for the request being served, if any, and reports whether
// every doorbell rung so far was served. Hooks run by the handlers have
// returned by then.
func (s *Service) Settled() bool {
	s.serving.Lock()
	defer s.serving.Unlock()

	return !s.mbox.LocalPending(msgbox.RxIRQ(scpi.TXChannel))
}

// serve handles a pending doorbell, if any. It reports whether there was one.
func (s *Service) serve() bool {
	s.serving.Lock()
	defer s.serving.Unlock()

	if !s.mbox.LocalPending(msgbox.RxIRQ(scpi.TXChannel)) {
		return false
	}

	// the request must be read before the doorbell is acknowledged: the next
	// command may overwrite the TX slot as soon as the bit is clear
	req := s.shmem.Request()
	s.mbox.Drain(scpi.TXChannel)
	s.mbox.ClearLocal(msgbox.RxIRQ(scpi.TXChannel))

	resp, reply := s.Dispatch(req)

	s.mu.Lock()
	latency := s.latency
	deferred := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	if reply {
		if latency > 0 {
			time.Sleep(latency)
		}

		if err := s.shmem.PostResponse(resp); err != nil {
			s.logger.Error("error posting response", "err", err)
		}

		s.mbox.Push(scpi.RXChannel, 1)
	}

	for _, f := range deferred {
		f()
	}

	return true
}

// Start polls the message box in a new goroutine until Stop.
func (s *Service) Start() {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(minDelay),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMaxElapsedTime(0),
	)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		var delay time.Duration

		for {
			select {
			case <-s.stop:
				// a doorbell rung before the stop is still served
				s.serve()

				return
			case <-time.After(delay):
				if s.serve() {
					b.Reset()

					delay = 0

					continue
				}

				delay = b.NextBackOff()
			}
		}
	}()
}

// Stop ends the polling goroutine.
func (s *Service) Stop() {
	close(s.stop)
}

// Wait blocks until the polling goroutine returns.
func (s *Service) Wait() {
	s.wg.Wait()
}
