package hal

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	createSessionCommand      = "/power/hint-session/create"
	updateTargetCommand       = "/power/hint-session/update-target"
	reportActualCommand       = "/power/hint-session/report-actual"
	closeSessionCommand       = "/power/hint-session/close"
	expensiveRenderingCommand = "/power/mode/expensive-rendering"
	updateImminentCommand     = "/power/boost/display-update-imminent"

	ioTimeout = 1 * time.Second

	errCodeUnsupported = "unsupported"
)

var (
	connectWithTimeoutFunc = connectWithTimeout
	getCurrentTimestamp    = time.Now
)

func connectWithTimeout(addr string, to time.Duration) (net.Conn, error) {
	return net.DialTimeout("unixpacket", addr, to)
}

type initialMessage struct {
	Version         string   `json:"version"`
	PID             int      `json:"pid"`
	MaxOutputLength int      `json:"max_output_len"`
	Capabilities    []string `json:"capabilities"`
}

type request struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createSessionParams struct {
	TGID             int     `json:"tgid"`
	UID              int     `json:"uid"`
	ThreadIDs        []int32 `json:"thread_ids"`
	TargetDurationNs int64   `json:"target_duration_ns"`
}

type createSessionResult struct {
	SessionID string `json:"session_id"`
}

type updateTargetParams struct {
	SessionID        string `json:"session_id"`
	TargetDurationNs int64  `json:"target_duration_ns"`
}

type wireWorkDuration struct {
	TimestampNs int64 `json:"timestamp_ns"`
	DurationNs  int64 `json:"duration_ns"`
}

type reportActualParams struct {
	SessionID string             `json:"session_id"`
	Durations []wireWorkDuration `json:"durations"`
}

type closeSessionParams struct {
	SessionID string `json:"session_id"`
}

type expensiveRenderingParams struct {
	Enabled bool `json:"enabled"`
}

// Client implements PowerService over the power service's local socket. One
// request is in flight at a time; every call carries its own I/O deadlines so
// a wedged service surfaces as a transport error instead of a hang.
type Client struct {
	log          logr.Logger
	mutex        sync.Mutex
	conn         net.Conn
	buffer       []byte
	capabilities map[string]bool
}

// Connect dials the power service socket and consumes the initial message in
// which the service advertises its identity and feature set.
func Connect(socketPath string, logger logr.Logger) (*Client, error) {
	conn, err := connectWithTimeoutFunc(socketPath, ioTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTransport, socketPath, err)
	}

	c := &Client{
		log:          logger,
		conn:         conn,
		buffer:       make([]byte, 1024),
		capabilities: map[string]bool{},
	}

	if err := c.handleInitialMessage(); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) handleInitialMessage() error {
	initMsg := initialMessage{}
	if err := c.read(&initMsg); err != nil {
		return fmt.Errorf("initial message error: %w", err)
	}

	for _, feature := range initMsg.Capabilities {
		c.capabilities[feature] = true
	}
	if initMsg.MaxOutputLength > len(c.buffer) {
		c.buffer = make([]byte, initMsg.MaxOutputLength)
	}

	c.log.V(4).Info("connection established",
		"version", initMsg.Version,
		"pid", initMsg.PID,
		"max_output_len", initMsg.MaxOutputLength,
		"capabilities", initMsg.Capabilities,
	)

	return nil
}

func (c *Client) Supports(feature string) bool {
	return c.capabilities[feature]
}

func (c *Client) CreateHintSession(threadIDs []int32, targetDuration time.Duration) (HintSession, error) {
	if !c.Supports(FeatureHintSessions) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, FeatureHintSessions)
	}

	params := createSessionParams{
		TGID:             os.Getpid(),
		UID:              os.Getuid(),
		ThreadIDs:        threadIDs,
		TargetDurationNs: targetDuration.Nanoseconds(),
	}
	result := createSessionResult{}
	if err := c.roundTrip(createSessionCommand, params, &result); err != nil {
		return nil, err
	}

	c.log.V(4).Info("hint session created",
		"sessionID", result.SessionID,
		"threadCount", len(threadIDs),
		"targetDuration", targetDuration,
	)

	return &remoteHintSession{client: c, id: result.SessionID}, nil
}

func (c *Client) SetExpensiveRendering(enabled bool) error {
	if !c.Supports(FeatureExpensiveRendering) {
		return fmt.Errorf("%w: %s", ErrUnsupported, FeatureExpensiveRendering)
	}

	return c.roundTrip(expensiveRenderingCommand, expensiveRenderingParams{Enabled: enabled}, nil)
}

func (c *Client) NotifyDisplayUpdateImminent() error {
	if !c.Supports(FeatureDisplayUpdateImminent) {
		return fmt.Errorf("%w: %s", ErrUnsupported, FeatureDisplayUpdateImminent)
	}

	return c.roundTrip(updateImminentCommand, nil, nil)
}

func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrTransport, err)
	}

	return nil
}

func (c *Client) roundTrip(command string, params any, result any) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		return fmt.Errorf("%w: client closed", ErrTransport)
	}

	req := request{
		ID:      uuid.NewString(),
		Command: command,
		Params:  params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", command, err)
	}

	if err := c.conn.SetWriteDeadline(
		getCurrentTimestamp().Add(ioTimeout),
	); err != nil {
		return fmt.Errorf("%w: setting write deadline: %v", ErrTransport, err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}

	res := response{}
	if err := c.read(&res); err != nil {
		return fmt.Errorf("%s error: %w", command, err)
	}

	if res.ID != req.ID {
		return fmt.Errorf("%w: response id %q does not match request id %q", ErrTransport, res.ID, req.ID)
	}
	if res.Error != nil {
		if res.Error.Code == errCodeUnsupported {
			return fmt.Errorf("%w: %s: %s", ErrUnsupported, command, res.Error.Message)
		}
		return fmt.Errorf("%w: %s: %s: %s", ErrTransport, command, res.Error.Code, res.Error.Message)
	}

	if result != nil && res.Result != nil {
		if err := json.Unmarshal(res.Result, result); err != nil {
			return fmt.Errorf("%w: decoding %s result: %v", ErrTransport, command, err)
		}
	}

	c.log.V(5).Info("command completed", "command", command)

	return nil
}

func (c *Client) read(v any) error {
	if err := c.conn.SetReadDeadline(
		getCurrentTimestamp().Add(ioTimeout),
	); err != nil {
		return fmt.Errorf("%w: setting read deadline: %v", ErrTransport, err)
	}
	bytesRead, err := c.conn.Read(c.buffer)
	if err != nil {
		return fmt.Errorf("%w: read: %v", ErrTransport, err)
	}

	if err := json.Unmarshal(c.buffer[:bytesRead], v); err != nil {
		return fmt.Errorf("%w: decoding message: %v", ErrTransport, err)
	}

	return nil
}

type remoteHintSession struct {
	client *Client
	id     string
}

func (s *remoteHintSession) UpdateTargetWorkDuration(targetDuration time.Duration) error {
	params := updateTargetParams{
		SessionID:        s.id,
		TargetDurationNs: targetDuration.Nanoseconds(),
	}

	return s.client.roundTrip(updateTargetCommand, params, nil)
}

func (s *remoteHintSession) ReportActualWorkDuration(batch []WorkDuration) error {
	durations := make([]wireWorkDuration, 0, len(batch))
	for _, sample := range batch {
		durations = append(durations, wireWorkDuration{
			TimestampNs: sample.Timestamp.UnixNano(),
			DurationNs:  sample.Duration.Nanoseconds(),
		})
	}
	params := reportActualParams{
		SessionID: s.id,
		Durations: durations,
	}

	return s.client.roundTrip(reportActualCommand, params, nil)
}

func (s *remoteHintSession) Close() error {
	return s.client.roundTrip(closeSessionCommand, closeSessionParams{SessionID: s.id}, nil)
}
