package fix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotLoggedOn is returned by Send while no session is established
	ErrNotLoggedOn = errors.New("session not logged on")
	// ErrSequenceGap is reported when an inbound sequence number skips ahead
	ErrSequenceGap = errors.New("inbound sequence gap")
	// ErrLogonRejected is returned when the peer answers a logon with a logout
	ErrLogonRejected = errors.New("logon rejected")
	// ErrHeartbeatTimeout is returned when the peer stops responding
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrPeerLogout is returned when the peer ends the session
	ErrPeerLogout = errors.New("peer logged out")
)

// Application receives session callbacks. Callbacks run on the session's
// read goroutine and may call Send.
type Application interface {
	OnLogon(sessionID string)
	OnLogout(sessionID string, reason error)
	FromAdmin(m *Message, sessionID string)
	FromApp(m *Message, sessionID string)
	OnSessionError(err error, sessionID string)
}

// SessionConfig configures an initiator session
type SessionConfig struct {
	Addr              string
	BeginString       string
	SenderCompID      string
	TargetCompID      string
	HeartBtInt        time.Duration
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
}

func (c *SessionConfig) withDefaults() {
	if c.BeginString == "" {
		c.BeginString = "FIX.4.4"
	}
	if c.HeartBtInt <= 0 {
		c.HeartBtInt = 30 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Session is an initiator that keeps one logical session up across
// reconnects. Sequence numbers reset on every logon.
type Session struct {
	cfg    SessionConfig
	app    Application
	logger *zap.Logger
	id     string

	mu       sync.Mutex
	conn     *Conn
	loggedOn bool
	outSeq   int64
	lastSent time.Time

	// owned by the read goroutine
	inSeq    int64
	lastRecv time.Time
	recvMu   sync.Mutex
}

// NewSession creates an initiator. Call Run to connect.
func NewSession(cfg SessionConfig, app Application, logger *zap.Logger) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		app:    app,
		logger: logger,
		id:     fmt.Sprintf("%s:%s->%s", cfg.BeginString, cfg.SenderCompID, cfg.TargetCompID),
	}
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// IsLoggedOn reports whether the session is established
func (s *Session) IsLoggedOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOn
}

// Run connects, logs on and serves the session until ctx is canceled,
// reconnecting after ReconnectInterval on any failure.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Warn("session ended", zap.String("session_id", s.id), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

// Send stamps header fields and writes m
func (s *Session) Send(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loggedOn || s.conn == nil {
		return ErrNotLoggedOn
	}
	return s.sendLocked(m)
}

func (s *Session) sendLocked(m *Message) error {
	s.stamp(m, s.outSeq)
	if err := s.conn.WriteMessage(m); err != nil {
		return fmt.Errorf("failed to write %s: %w", m.MsgType(), err)
	}
	s.outSeq++
	s.lastSent = time.Now()
	return nil
}

func (s *Session) stamp(m *Message, seq int64) {
	m.Set(TagSenderCompID, s.cfg.SenderCompID)
	m.Set(TagTargetCompID, s.cfg.TargetCompID)
	m.Set(TagMsgSeqNum, strconv.FormatInt(seq, 10))
	m.SetTime(TagSendingTime, time.Now())
}

func (s *Session) connectAndServe(ctx context.Context) error {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		err = fmt.Errorf("failed to dial %s: %w", s.cfg.Addr, err)
		s.app.OnSessionError(err, s.id)
		return err
	}
	conn := NewConn(nc, s.cfg.BeginString)

	s.mu.Lock()
	s.conn = conn
	s.outSeq = 1
	s.inSeq = 1
	s.mu.Unlock()

	// closes conn on cancel so the blocking read returns
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.logout("shutdown")
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	if err := s.logon(conn); err != nil {
		s.app.OnSessionError(err, s.id)
		return err
	}

	s.mu.Lock()
	s.loggedOn = true
	s.mu.Unlock()
	s.logger.Info("session logged on", zap.String("session_id", s.id), zap.String("addr", s.cfg.Addr))
	s.app.OnLogon(s.id)

	go s.heartbeatLoop(conn, stop)

	err = s.readLoop(conn)

	s.mu.Lock()
	s.loggedOn = false
	s.conn = nil
	s.mu.Unlock()

	s.app.OnLogout(s.id, err)
	return err
}

func (s *Session) logon(conn *Conn) error {
	m := NewMessage(MsgTypeLogon).
		Set(TagEncryptMethod, "0").
		Set(TagHeartBtInt, strconv.Itoa(heartbeatSeconds(s.cfg.HeartBtInt))).
		Set(TagResetSeqNumFlag, "Y")

	s.mu.Lock()
	err := s.sendLocked(m)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HeartBtInt * 2)); err != nil {
		return err
	}
	resp, _, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read logon response: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	switch resp.MsgType() {
	case MsgTypeLogon:
		s.touch()
		s.inSeq = seqOf(resp) + 1
		return nil
	case MsgTypeLogout:
		return fmt.Errorf("%w: %s", ErrLogonRejected, resp.GetString(TagText))
	default:
		return fmt.Errorf("%w: unexpected %s", ErrLogonRejected, resp.MsgType())
	}
}

func (s *Session) logout(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedOn || s.conn == nil {
		return
	}
	if err := s.sendLocked(NewMessage(MsgTypeLogout).Set(TagText, text)); err != nil {
		s.logger.Debug("logout not sent", zap.Error(err))
	}
}

func (s *Session) readLoop(conn *Conn) error {
	for {
		m, raw, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				s.logger.Warn("dropping malformed message", zap.ByteString("raw", raw), zap.Error(err))
				s.app.OnSessionError(err, s.id)
				continue
			}
			if s.timedOut() {
				return ErrHeartbeatTimeout
			}
			return err
		}
		s.touch()

		if err := s.handle(m); err != nil {
			return err
		}
	}
}

func (s *Session) handle(m *Message) error {
	seq := seqOf(m)
	msgType := m.MsgType()

	if msgType == MsgTypeSequenceReset {
		if next, ok, _ := m.GetInt(TagNewSeqNo); ok && next >= s.inSeq {
			s.inSeq = next
		}
		s.app.FromAdmin(m, s.id)
		return nil
	}

	switch {
	case seq > s.inSeq:
		s.logger.Warn("inbound sequence gap",
			zap.String("session_id", s.id),
			zap.Int64("expected", s.inSeq),
			zap.Int64("received", seq),
		)
		s.requestResend(s.inSeq)
		s.app.OnSessionError(fmt.Errorf("%w: expected %d, received %d", ErrSequenceGap, s.inSeq, seq), s.id)
		s.inSeq = seq + 1
	case seq < s.inSeq:
		if m.GetString(TagPossDupFlag) != "Y" {
			s.logger.Warn("inbound sequence too low",
				zap.String("session_id", s.id),
				zap.Int64("expected", s.inSeq),
				zap.Int64("received", seq),
			)
		}
		return nil
	default:
		s.inSeq++
	}

	switch msgType {
	case MsgTypeTestRequest:
		hb := NewMessage(MsgTypeHeartbeat).Set(TagTestReqID, m.GetString(TagTestReqID))
		if err := s.Send(hb); err != nil {
			return err
		}
		s.app.FromAdmin(m, s.id)
	case MsgTypeResendRequest:
		s.gapFill(m)
		s.app.FromAdmin(m, s.id)
	case MsgTypeLogout:
		s.app.FromAdmin(m, s.id)
		s.logout("logout acknowledged")
		return fmt.Errorf("%w: %s", ErrPeerLogout, m.GetString(TagText))
	case MsgTypeHeartbeat, MsgTypeReject, MsgTypeLogon:
		s.app.FromAdmin(m, s.id)
	default:
		s.app.FromApp(m, s.id)
	}
	return nil
}

func (s *Session) requestResend(from int64) {
	rr := NewMessage(MsgTypeResendRequest).
		Set(TagBeginSeqNo, strconv.FormatInt(from, 10)).
		Set(TagEndSeqNo, "0")
	if err := s.Send(rr); err != nil {
		s.logger.Warn("resend request not sent", zap.Error(err))
	}
}

// gapFill answers a resend request. Application messages are not stored,
// so the whole range is skipped.
func (s *Session) gapFill(m *Message) {
	begin, _, _ := m.GetInt(TagBeginSeqNo)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || begin <= 0 || begin >= s.outSeq {
		return
	}

	gf := NewMessage(MsgTypeSequenceReset).
		Set(TagGapFillFlag, "Y").
		Set(TagNewSeqNo, strconv.FormatInt(s.outSeq, 10)).
		Set(TagPossDupFlag, "Y")
	s.stamp(gf, begin)
	if err := s.conn.WriteMessage(gf); err != nil {
		s.logger.Warn("gap fill not sent", zap.Error(err))
	}
}

func (s *Session) heartbeatLoop(conn *Conn, stop <-chan struct{}) {
	tick := s.cfg.HeartBtInt / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	testReqSent := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		idleOut := time.Since(s.lastSent)
		s.mu.Unlock()
		if idleOut >= s.cfg.HeartBtInt {
			if err := s.Send(NewMessage(MsgTypeHeartbeat)); err != nil {
				return
			}
		}

		idleIn := s.sinceRecv()
		switch {
		case idleIn >= s.cfg.HeartBtInt*2:
			s.logger.Warn("peer silent, closing", zap.String("session_id", s.id), zap.Duration("idle", idleIn))
			conn.Close()
			return
		case idleIn >= s.cfg.HeartBtInt+s.cfg.HeartBtInt/5 && !testReqSent:
			id := strconv.FormatInt(time.Now().UnixMilli(), 10)
			if err := s.Send(NewMessage(MsgTypeTestRequest).Set(TagTestReqID, id)); err != nil {
				return
			}
			testReqSent = true
		case idleIn < s.cfg.HeartBtInt:
			testReqSent = false
		}
	}
}

func (s *Session) touch() {
	s.recvMu.Lock()
	s.lastRecv = time.Now()
	s.recvMu.Unlock()
}

func (s *Session) sinceRecv() time.Duration {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return time.Since(s.lastRecv)
}

func (s *Session) timedOut() bool {
	return s.sinceRecv() >= s.cfg.HeartBtInt*2
}

func seqOf(m *Message) int64 {
	n, _, _ := m.GetInt(TagMsgSeqNum)
	return n
}

func heartbeatSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// IsAuthFailure reports whether a logout text indicates an authentication problem
func IsAuthFailure(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "auth") || strings.Contains(t, "password") || strings.Contains(t, "credential")
}
