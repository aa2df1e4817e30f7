package fix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler receives application traffic from accepted sessions
type Handler interface {
	OnLogon(s *AcceptedSession)
	FromApp(s *AcceptedSession, m *Message)
	OnDisconnect(s *AcceptedSession)
}

// AcceptorConfig configures the responder side
type AcceptorConfig struct {
	BeginString  string
	SenderCompID string
}

// Acceptor listens for initiators and answers the session layer
type Acceptor struct {
	cfg     AcceptorConfig
	ln      net.Listener
	handler Handler
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[*AcceptedSession]struct{}
	wg       sync.WaitGroup
}

// Listen binds addr. Use "127.0.0.1:0" for an ephemeral port.
func Listen(addr string, cfg AcceptorConfig, handler Handler, logger *zap.Logger) (*Acceptor, error) {
	if cfg.BeginString == "" {
		cfg.BeginString = "FIX.4.4"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Acceptor{
		cfg:      cfg,
		ln:       ln,
		handler:  handler,
		logger:   logger,
		sessions: make(map[*AcceptedSession]struct{}),
	}, nil
}

// Addr returns the bound address
func (a *Acceptor) Addr() string {
	return a.ln.Addr().String()
}

// Serve accepts connections until ctx is canceled or Close is called
func (a *Acceptor) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.ln.Close()
	}()

	for {
		nc, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				a.DisconnectAll()
				a.wg.Wait()
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}

		s := &AcceptedSession{
			acceptor: a,
			conn:     NewConn(nc, a.cfg.BeginString),
			outSeq:   1,
			inSeq:    1,
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			s.serve()
		}()
	}
}

// DisconnectAll drops every live session without a logout
func (a *Acceptor) DisconnectAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for s := range a.sessions {
		s.conn.Close()
	}
}

// Sessions returns the logged-on sessions
func (a *Acceptor) Sessions() []*AcceptedSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*AcceptedSession, 0, len(a.sessions))
	for s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// Close stops listening
func (a *Acceptor) Close() error {
	return a.ln.Close()
}

// AcceptedSession is one responder-side session
type AcceptedSession struct {
	acceptor *Acceptor
	conn     *Conn

	mu       sync.Mutex
	target   string
	outSeq   int64
	inSeq    int64
	loggedOn bool
}

// TargetCompID returns the initiator's comp id
func (s *AcceptedSession) TargetCompID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Send stamps header fields and writes m
func (s *AcceptedSession) Send(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedOn {
		return ErrNotLoggedOn
	}
	return s.sendLocked(m)
}

// SkipOutbound advances the outbound sequence number by n without sending,
// producing a gap at the peer
func (s *AcceptedSession) SkipOutbound(n int64) {
	s.mu.Lock()
	s.outSeq += n
	s.mu.Unlock()
}

// Logout ends the session with text
func (s *AcceptedSession) Logout(text string) error {
	err := s.Send(NewMessage(MsgTypeLogout).Set(TagText, text))
	s.conn.Close()
	return err
}

func (s *AcceptedSession) sendLocked(m *Message) error {
	m.Set(TagSenderCompID, s.acceptor.cfg.SenderCompID)
	m.Set(TagTargetCompID, s.target)
	m.Set(TagMsgSeqNum, strconv.FormatInt(s.outSeq, 10))
	m.SetTime(TagSendingTime, time.Now())
	if err := s.conn.WriteMessage(m); err != nil {
		return err
	}
	s.outSeq++
	return nil
}

func (s *AcceptedSession) serve() {
	a := s.acceptor
	defer s.conn.Close()

	logon, _, err := s.conn.ReadMessage()
	if err != nil {
		a.logger.Debug("connection closed before logon", zap.Error(err))
		return
	}
	if logon.MsgType() != MsgTypeLogon {
		a.logger.Warn("first message not a logon", zap.String("msg_type", logon.MsgType()))
		return
	}

	s.mu.Lock()
	s.target = logon.GetString(TagSenderCompID)
	s.inSeq = seqOf(logon) + 1
	s.loggedOn = true
	resp := NewMessage(MsgTypeLogon).
		Set(TagEncryptMethod, "0").
		Set(TagHeartBtInt, logon.GetString(TagHeartBtInt))
	if logon.GetString(TagResetSeqNumFlag) == "Y" {
		resp.Set(TagResetSeqNumFlag, "Y")
	}
	err = s.sendLocked(resp)
	s.mu.Unlock()
	if err != nil {
		return
	}

	a.mu.Lock()
	a.sessions[s] = struct{}{}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.sessions, s)
		a.mu.Unlock()
		s.mu.Lock()
		s.loggedOn = false
		s.mu.Unlock()
		a.handler.OnDisconnect(s)
	}()

	a.logger.Info("acceptor session logged on", zap.String("target_comp_id", s.target))
	a.handler.OnLogon(s)

	for {
		m, _, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				continue
			}
			return
		}

		switch m.MsgType() {
		case MsgTypeHeartbeat, MsgTypeSequenceReset, MsgTypeResendRequest, MsgTypeReject:
		case MsgTypeTestRequest:
			_ = s.Send(NewMessage(MsgTypeHeartbeat).Set(TagTestReqID, m.GetString(TagTestReqID)))
		case MsgTypeLogout:
			_ = s.Send(NewMessage(MsgTypeLogout))
			return
		default:
			a.handler.FromApp(s, m)
		}
	}
}
