// Package feed accepts frame timing records from rendering pipelines over a
// local unix socket and forwards them to the power hint advisor.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/framepulse/power-hint-advisor/internal/hints"
)

const (
	// KindActual reports one measured frame work duration.
	KindActual = "actual"
	// KindTarget announces a new target work duration.
	KindTarget = "target"
	// KindThreads replaces the set of threads backing the session.
	KindThreads = "threads"
	// KindStart starts the hint session on the given threads.
	KindStart = "start"
	// KindEnable toggles power hint usage.
	KindEnable = "enable"
	// KindBootFinished unblocks hint traffic.
	KindBootFinished = "boot-finished"
	// KindExpensiveRendering marks a display as rendering expensively.
	KindExpensiveRendering = "expensive-rendering"
	// KindUpdateImminent signals that the screen is about to update.
	KindUpdateImminent = "update-imminent"
)

const maxRecordBytes = 64 * 1024

var getCurrentTimestamp = time.Now

// Record is one newline-delimited JSON message on the feed socket.
type Record struct {
	Kind        string  `json:"kind"`
	DurationNs  int64   `json:"durationNs,omitempty"`
	TimestampNs int64   `json:"timestampNs,omitempty"`
	ThreadIDs   []int32 `json:"threadIds,omitempty"`
	Enabled     bool    `json:"enabled,omitempty"`
	DisplayID   uint64  `json:"displayId,omitempty"`
	Expected    bool    `json:"expected,omitempty"`
}

// Stats is a point-in-time snapshot of feed activity.
type Stats struct {
	Connections uint64 `json:"connections"`
	Records     uint64 `json:"records"`
	Malformed   uint64 `json:"malformed"`
}

// Server owns the feed socket. One goroutine accepts connections, one reader
// goroutine per connection parses records and drives the advisor.
type Server interface {
	Start() error
	Stop()
	Stats() Stats
}

type serverImpl struct {
	log        logr.Logger
	socketPath string
	advisor    hints.Advisor

	listener    net.Listener
	cancelFunc  context.CancelFunc
	waitGroup   sync.WaitGroup
	connections sync.Map

	connectionCount atomic.Uint64
	recordCount     atomic.Uint64
	malformedCount  atomic.Uint64
}

func NewServer(socketPath string, advisor hints.Advisor, logger logr.Logger) Server {
	return &serverImpl{
		log:        logger,
		socketPath: socketPath,
		advisor:    advisor,
	}
}

func (s *serverImpl) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create feed socket dir: %w", err)
	}
	// A stale socket from a previous run blocks the bind.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale feed socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on feed socket: %w", err)
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	s.waitGroup.Add(1)
	go s.acceptLoop(ctx)
	s.log.V(4).Info("feed socket listening", "path", s.socketPath)

	return nil
}

func (s *serverImpl) Stop() {
	if s.listener == nil {
		return
	}

	s.cancelFunc()
	if err := s.listener.Close(); err != nil {
		s.log.V(4).Info("closing feed listener failed", "error", err)
	}
	s.connections.Range(func(key, value any) bool {
		value.(net.Conn).Close()
		return true
	})
	s.waitGroup.Wait()

	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.V(4).Info("removing feed socket failed", "error", err)
	}
	s.listener = nil
	s.log.V(4).Info("feed socket stopped")
}

func (s *serverImpl) Stats() Stats {
	return Stats{
		Connections: s.connectionCount.Load(),
		Records:     s.recordCount.Load(),
		Malformed:   s.malformedCount.Load(),
	}
}

func (s *serverImpl) acceptLoop(ctx context.Context) {
	defer s.waitGroup.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error(err, "accepting feed connection failed")
			return
		}

		s.connectionCount.Add(1)
		s.connections.Store(conn, conn)
		s.waitGroup.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *serverImpl) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.waitGroup.Done()
	defer s.connections.Delete(conn)
	defer conn.Close()

	log := s.log
	if cred, err := peerCredentials(conn); err == nil {
		log = log.WithValues("peerPID", cred.Pid, "peerUID", cred.Uid)
	}
	log.V(4).Info("feed connection opened")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRecordBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.malformedCount.Add(1)
			log.V(4).Info("dropping malformed feed record", "error", err)
			continue
		}
		if err := s.dispatch(rec); err != nil {
			s.malformedCount.Add(1)
			log.V(4).Info("dropping feed record", "kind", rec.Kind, "error", err)
			continue
		}
		s.recordCount.Add(1)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.V(4).Info("feed connection closed", "error", err)
	} else {
		log.V(4).Info("feed connection closed")
	}
}

func (s *serverImpl) dispatch(rec Record) error {
	switch rec.Kind {
	case KindActual:
		timestamp := getCurrentTimestamp()
		if rec.TimestampNs > 0 {
			timestamp = time.Unix(0, rec.TimestampNs)
		}
		s.advisor.SendActualWorkDuration(time.Duration(rec.DurationNs), timestamp)
	case KindTarget:
		s.advisor.SetTargetWorkDuration(time.Duration(rec.DurationNs))
	case KindThreads:
		if err := s.advisor.SetHintSessionThreadIDs(rec.ThreadIDs); err != nil {
			s.log.V(4).Info("updating session thread ids failed", "error", err)
		}
	case KindStart:
		if err := s.advisor.StartPowerHintSession(rec.ThreadIDs); err != nil {
			s.log.V(4).Info("starting hint session failed", "error", err)
		}
	case KindEnable:
		s.advisor.EnablePowerHints(rec.Enabled)
	case KindBootFinished:
		s.advisor.OnBootFinished()
	case KindExpensiveRendering:
		s.advisor.SetExpensiveRenderingExpected(hints.DisplayID(rec.DisplayID), rec.Expected)
	case KindUpdateImminent:
		s.advisor.NotifyDisplayUpdateImminent()
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}

	return nil
}

// peerCredentials reads SO_PEERCRED off the unix socket for connection logs.
func peerCredentials(conn net.Conn) (*unix.Ucred, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, errors.New("not a unix socket connection")
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}

	return cred, credErr
}
