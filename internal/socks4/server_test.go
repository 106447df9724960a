package socks4

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func TestNewServer_Defaults(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	if s == nil {
		t.Fatal("NewServer() returned nil")
	}
	if s.cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %v, want %v", s.cfg.RequestTimeout, DefaultRequestTimeout)
	}
	if s.cfg.TransferTimeout != DefaultTransferTimeout {
		t.Errorf("TransferTimeout = %v, want %v", s.cfg.TransferTimeout, DefaultTransferTimeout)
	}
}

func TestNewServer_NoLimiterByDefault(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	if s.limiter != nil {
		t.Error("limiter should be nil when MaxAcceptsPerSecond is unset")
	}
}

func TestNewServer_LimiterWired(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0", MaxAcceptsPerSecond: 10})
	if s.limiter == nil {
		t.Fatal("limiter should be non-nil when MaxAcceptsPerSecond is set")
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if s.Address() == nil {
		t.Error("Address() should return an address after Start()")
	}

	if err := s.Start(); err == nil {
		t.Error("double Start() should fail")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	// Double stop should be safe.
	if err := s.Stop(); err != nil {
		t.Errorf("double Stop() error = %v", err)
	}
}

func TestServer_ConnectionCount(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if s.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount() = %d, want 0", s.ConnectionCount())
	}
}

func TestServer_BasicConnect(t *testing.T) {
	echoListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen error: %v", err)
	}
	defer echoListener.Close()

	go func() {
		for {
			conn, err := echoListener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	s := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	echoHost, echoPortStr, _ := net.SplitHostPort(echoListener.Addr().String())
	echoIP := net.ParseIP(echoHost).To4()
	echoPort, _ := net.LookupPort("tcp", echoPortStr)

	req := &bytes.Buffer{}
	req.WriteByte(Version)
	req.WriteByte(CmdConnect)
	binary.Write(req, binary.BigEndian, uint16(echoPort))
	req.Write(echoIP)
	req.WriteByte(0x00) // empty userid
	if _, err := conn.Write(req.Bytes()); err != nil {
		t.Fatalf("write request error: %v", err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply error: %v", err)
	}
	if reply[1] != ReplyGranted {
		t.Fatalf("reply code = %#x, want %#x", reply[1], ReplyGranted)
	}

	testData := []byte("hello socks4")
	conn.Write(testData)

	response := make([]byte, len(testData))
	if _, err := io.ReadFull(conn, response); err != nil {
		t.Fatalf("read echo error: %v", err)
	}
	if !bytes.Equal(response, testData) {
		t.Errorf("echo response = %q, want %q", response, testData)
	}
}

func TestServer_SOCKS4aConnect(t *testing.T) {
	echoListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen error: %v", err)
	}
	defer echoListener.Close()

	go func() {
		for {
			conn, err := echoListener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	_, echoPortStr, _ := net.SplitHostPort(echoListener.Addr().String())
	echoPort, _ := net.LookupPort("tcp", echoPortStr)

	s := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	req := &bytes.Buffer{}
	req.WriteByte(Version)
	req.WriteByte(CmdConnect)
	binary.Write(req, binary.BigEndian, uint16(echoPort))
	req.Write([]byte{0, 0, 0, 1}) // SOCKS4a sentinel
	req.WriteByte(0x00)           // empty userid
	req.WriteString("localhost")
	req.WriteByte(0x00)
	if _, err := conn.Write(req.Bytes()); err != nil {
		t.Fatalf("write request error: %v", err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply error: %v", err)
	}
	if reply[1] != ReplyGranted {
		t.Fatalf("reply code = %#x, want %#x", reply[1], ReplyGranted)
	}
}

func TestServer_BadVersionRejected(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{0x05, CmdConnect, 0x00, 0x50, 127, 0, 0, 1, 0x00})

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply error: %v", err)
	}
	if reply[1] != ReplyRejected {
		t.Fatalf("reply code = %#x, want %#x", reply[1], ReplyRejected)
	}
	if reply[2] != 0x00 || reply[3] != 0x50 {
		t.Errorf("port not echoed: % X", reply[2:4])
	}
	if !bytes.Equal(reply[4:8], []byte{127, 0, 0, 1}) {
		t.Errorf("ip not echoed: % X", reply[4:8])
	}
}

func TestServer_BindRejected(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{Version, CmdBind, 0x00, 0x50, 127, 0, 0, 1, 0x00})

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply error: %v", err)
	}
	if reply[1] != ReplyRejected {
		t.Fatalf("reply code = %#x, want %#x (BIND is recognized but never originates a tunnel)", reply[1], ReplyRejected)
	}
}
