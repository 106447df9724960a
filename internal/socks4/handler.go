package socks4

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// Default phase timeouts: the request timeout covers the whole
// handshake through the reply send; the transfer timeout is an idle
// deadline re-armed on every chunk during the tunnel phase.
const (
	DefaultRequestTimeout  = 120 * time.Second
	DefaultTransferTimeout = 30 * time.Second
)

// Dialer makes outbound TCP connections to CONNECT targets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handler owns the per-connection protocol state machine:
// ReadingHeader -> ReadingIdent -> [ReadingDomain] -> Dispatch ->
// [Connecting] -> [Tunneling] -> Closed.
type Handler struct {
	Resolver        Resolver
	Dialer          Dialer
	RequestTimeout  time.Duration
	TransferTimeout time.Duration
	Logger          *slog.Logger
	Metrics         Recorder
}

// Recorder is the subset of internal/metrics.Metrics the handler
// needs; kept as an interface so the handler has no hard dependency on
// the metrics package (and so tests can pass a no-op implementation).
type Recorder interface {
	ConnectionAccepted()
	ConnectionClosed()
	ReplySent(code byte)
	BytesRelayed(sent, received int64)
	ResolveFailure()
	ConnectFailure()
	TunnelClosed(duration time.Duration)
}

// NewHandler builds a Handler with the given collaborators and
// defaults for anything left zero.
func NewHandler(resolver Resolver, dialer Dialer, logger *slog.Logger, rec Recorder) *Handler {
	if resolver == nil {
		resolver = SystemResolver{}
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Handler{
		Resolver:        resolver,
		Dialer:          dialer,
		RequestTimeout:  DefaultRequestTimeout,
		TransferTimeout: DefaultTransferTimeout,
		Logger:          logger,
		Metrics:         rec,
	}
}

type nopRecorder struct{}

func (nopRecorder) ConnectionAccepted()        {}
func (nopRecorder) ConnectionClosed()          {}
func (nopRecorder) ReplySent(byte)             {}
func (nopRecorder) BytesRelayed(int64, int64)  {}
func (nopRecorder) ResolveFailure()            {}
func (nopRecorder) ConnectFailure()            {}
func (nopRecorder) TunnelClosed(time.Duration) {}

// Handle drives one accepted client connection through to completion.
// It always closes conn (and any remote socket it opened) before
// returning, on every control-flow path, and never sends more than
// one reply frame on the wire.
func (h *Handler) Handle(conn net.Conn) {
	defer conn.Close()

	label := conn.RemoteAddr().String()
	logger := h.Logger.With(slog.String("remote_addr", label))

	h.Metrics.ConnectionAccepted()
	defer h.Metrics.ConnectionClosed()

	deadline := time.Now().Add(h.RequestTimeout)
	conn.SetDeadline(deadline)

	req, err := DecodeRequestHeader(conn)
	if err != nil {
		h.failHandshake(conn, req, logger, err)
		return
	}

	if req.IsSOCKS4a() {
		userID, err := DecodeTrailer(conn)
		if err != nil {
			h.failHandshake(conn, req, logger, err)
			return
		}
		req.UserID = userID

		domain, err := DecodeTrailer(conn)
		if err != nil || domain == "" {
			if err == nil {
				err = &ProtocolError{Kind: BadDomain, Detail: "empty domain"}
			}
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) && protoErr.Kind == BadIdent {
				err = &ProtocolError{Kind: BadDomain, Detail: protoErr.Detail}
			}
			h.failHandshake(conn, req, logger, err)
			return
		}
		req.Domain = domain

		resolveCtx, cancel := context.WithDeadline(context.Background(), deadline)
		ip, rerr := h.Resolver.Resolve(resolveCtx, domain)
		cancel()
		if rerr != nil {
			h.Metrics.ResolveFailure()
			h.failHandshake(conn, req, logger, rerr)
			return
		}
		req.IP = ip
	} else {
		userID, err := DecodeTrailer(conn)
		if err != nil {
			h.failHandshake(conn, req, logger, err)
			return
		}
		req.UserID = userID
	}

	switch req.Command {
	case CmdConnect:
		h.handleConnect(conn, req, logger, deadline)
	case CmdBind:
		// BIND is recognized but not implemented: always answer with a
		// rejection and close.
		h.sendReply(conn, ReplyRejected, req, logger)
		logger.Info("rejected BIND command")
	}
}

// failHandshake answers any failure detected before a reply has been
// sent with a single ReplyRejected frame, echoing whatever port/IP the
// codec managed to parse.
func (h *Handler) failHandshake(conn net.Conn, req *Request, logger *slog.Logger, err error) {
	if IsTimeout(err) {
		// A timeout is closed silently, never answered with a reply —
		// the request-timeout deadline has already fired on conn, so a
		// reply write would fail anyway, but the point is to never try.
		logger.Info("handshake timed out")
		return
	}
	if req == nil {
		// The header itself couldn't be read (non-timeout I/O error) —
		// there's nothing to echo and no reply is sendable.
		logger.Debug("handshake read failed", slog.Any("error", err))
		return
	}
	logger.Info("rejecting request", slog.Any("error", err))
	h.sendReply(conn, ReplyRejected, req, logger)
}

// handleConnect implements the Connecting/SendGranted/Tunneling path.
func (h *Handler) handleConnect(conn net.Conn, req *Request, logger *slog.Logger, deadline time.Time) {
	target := net.JoinHostPort(req.IP.String(), strconv.Itoa(int(req.Port)))

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	remote, err := h.Dialer.DialContext(ctx, "tcp", target)
	cancel()
	if err != nil {
		h.Metrics.ConnectFailure()
		logger.Info("connect failed", slog.String("target", target), slog.Any("error", classifyDialError(err)))
		h.sendReply(conn, ReplyRejected, req, logger)
		return
	}
	defer remote.Close()

	h.sendReply(conn, ReplyGranted, req, logger)

	// Enter Tunneling: re-arm for the transfer-idle timeout on both
	// sockets; relay re-arms again after every successful chunk.
	transferDeadline := time.Now().Add(h.TransferTimeout)
	conn.SetDeadline(transferDeadline)
	remote.SetDeadline(transferDeadline)

	client := &idleDeadlineConn{Conn: conn, timeout: h.TransferTimeout, peer: remote}
	remoteConn := &idleDeadlineConn{Conn: remote, timeout: h.TransferTimeout, peer: conn}

	tunnelStart := time.Now()
	sent, received, relayErr := Relay(client, remoteConn)
	h.Metrics.BytesRelayed(sent, received)
	h.Metrics.TunnelClosed(time.Since(tunnelStart))

	if relayErr != nil && !IsTimeout(relayErr) {
		logger.Debug("relay ended", slog.Any("error", relayErr))
	}
	logger.Info("tunnel closed",
		slog.String("target", target),
		slog.String("sent", humanize.Bytes(uint64(sent))),
		slog.String("received", humanize.Bytes(uint64(received))),
	)
}

func (h *Handler) sendReply(conn net.Conn, code byte, req *Request, logger *slog.Logger) {
	if _, err := conn.Write(EncodeReply(code, req.Port, req.IP)); err != nil {
		logger.Debug("failed to send reply", slog.Any("error", err))
	}
	h.Metrics.ReplySent(code)
}

// idleDeadlineConn wraps a net.Conn, re-arming both itself and its
// peer's deadline to now+timeout whenever the relay engine reports a
// successful chunk transfer. It forwards CloseWrite when the
// underlying connection supports it, so the relay's half-close
// behavior still reaches the real socket.
type idleDeadlineConn struct {
	net.Conn
	timeout time.Duration
	peer    net.Conn
}

func (c *idleDeadlineConn) ResetIdleDeadline() {
	deadline := time.Now().Add(c.timeout)
	c.Conn.SetDeadline(deadline)
	c.peer.SetDeadline(deadline)
}

func (c *idleDeadlineConn) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}
