package transport

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
)

// Options configures TCP transports.
type Options struct {
	// TLSConfig is cloned for every handshake; ServerName defaults to the host.
	TLSConfig *tls.Config
	// DialTimeout bounds connection setup. Zero means 30 seconds.
	DialTimeout time.Duration
	// ReadTimeout fails the connection after this much silence. Zero disables it.
	ReadTimeout time.Duration
	// BatchLines caps the lines delivered to the loop in one callback.
	BatchLines int
}

const defaultBatchLines = 30

// NewFactory returns a Factory creating TCP transports bound to l.
func NewFactory(l *loop.Loop, log *zap.Logger, opts Options) Factory {
	return func(h Handler) Transport {
		return NewTCP(l, log, h, opts)
	}
}

// TCP is a Transport over net.Conn. Its exported methods and the handler
// callbacks run on the loop; the reader and writer goroutines only move
// bytes and post results back.
type TCP struct {
	loop    *loop.Loop
	log     *zap.Logger
	handler Handler
	opts    Options

	inUse     bool
	connected bool
	encrypted bool
	cur       *tcpConn
}

// tcpConn is the per-connection state shared with the helper goroutines.
type tcpConn struct {
	host string

	mu   sync.Mutex
	conn net.Conn

	writes  chan []byte
	ack     chan struct{}
	upgrade chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func (c *tcpConn) netConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *tcpConn) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *tcpConn) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		if conn := c.netConn(); conn != nil {
			conn.Close()
		}
	})
}

func (c *tcpConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// NewTCP creates an idle TCP transport.
func NewTCP(l *loop.Loop, log *zap.Logger, h Handler, opts Options) *TCP {
	if opts.BatchLines <= 0 {
		opts.BatchLines = defaultBatchLines
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &TCP{loop: l, log: log, handler: h, opts: opts}
}

// Open starts connecting to host:port. Completion is reported through
// OnConnected or OnError.
func (t *TCP) Open(host string, port int, enc Encryption) error {
	if t.inUse {
		return mailerr.New(mailerr.ConnectionInUse, "transport already in use")
	}
	c := &tcpConn{
		host:    host,
		writes:  make(chan []byte, 64),
		ack:     make(chan struct{}, 1),
		upgrade: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	t.cur = c
	t.inUse = true
	t.connected = false
	t.encrypted = enc == EncryptSSL

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	t.log.Debug("opening connection", zap.String("addr", addr), zap.Stringer("encryption", enc))
	go t.read(c, addr, enc)
	return nil
}

// Close tears down the current connection without reporting an error.
func (t *TCP) Close() {
	if t.cur != nil {
		t.cur.shutdown()
		t.cur = nil
	}
	t.inUse = false
	t.connected = false
	t.encrypted = false
}

func (t *TCP) Connected() bool { return t.connected }
func (t *TCP) InUse() bool     { return t.inUse }
func (t *TCP) Encrypted() bool { return t.encrypted }

// Write queues p for the writer goroutine and returns immediately.
func (t *TCP) Write(p []byte) error {
	if !t.connected || t.cur == nil {
		return mailerr.New(mailerr.ConnectionNotReady, "transport not connected")
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case t.cur.writes <- buf:
		return nil
	case <-t.cur.closed:
		return mailerr.New(mailerr.ConnectionNotReady, "transport closed")
	}
}

// SwitchToEncrypted requests a TLS handshake once the current line batch
// has been handled.
func (t *TCP) SwitchToEncrypted() error {
	if !t.connected || t.cur == nil {
		return mailerr.New(mailerr.ConnectionNotReady, "transport not connected")
	}
	if t.encrypted {
		return nil
	}
	select {
	case t.cur.upgrade <- struct{}{}:
	default:
	}
	return nil
}

func (t *TCP) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if t.opts.TLSConfig != nil {
		cfg = t.opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// post delivers fn on the loop if c is still the live connection.
func (t *TCP) post(c *tcpConn, fn func()) bool {
	return t.loop.Post(func() {
		if t.cur != c {
			return
		}
		fn()
	})
}

func (t *TCP) fail(c *tcpConn, err error) {
	if c.isClosed() {
		return
	}
	t.post(c, func() {
		t.log.Debug("connection failed", zap.Error(err))
		t.Close()
		t.handler.OnError(mailerr.Classify(err))
	})
}

func (t *TCP) read(c *tcpConn, addr string, enc Encryption) {
	dialer := &net.Dialer{Timeout: t.opts.DialTimeout}
	var conn net.Conn
	var err error
	if enc == EncryptSSL {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, t.tlsConfig(c.host))
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		t.fail(c, err)
		return
	}
	c.setConn(conn)
	if c.isClosed() {
		conn.Close()
		return
	}
	go t.write(c)

	t.post(c, func() {
		t.connected = true
		t.handler.OnConnected()
	})

	br := bufio.NewReader(conn)
	for {
		lines, err := t.readBatch(c, br)
		if len(lines) > 0 {
			if !t.post(c, func() { t.deliver(c, lines) }) {
				return
			}
			select {
			case <-c.ack:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			t.fail(c, err)
			return
		}

		select {
		case <-c.upgrade:
			tlsConn := tls.Client(c.netConn(), t.tlsConfig(c.host))
			if err := tlsConn.Handshake(); err != nil {
				t.fail(c, err)
				return
			}
			c.setConn(tlsConn)
			br = bufio.NewReader(tlsConn)
			t.post(c, func() {
				t.encrypted = true
				t.handler.OnEncrypted()
			})
		default:
		}
	}
}

// readBatch blocks for one line, then takes further complete lines that are
// already buffered, up to the batch limit.
func (t *TCP) readBatch(c *tcpConn, br *bufio.Reader) ([][]byte, error) {
	conn := c.netConn()
	if t.opts.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	}
	line, err := br.ReadBytes('\n')
	if err != nil {
		if len(line) > 0 && !errors.Is(err, net.ErrClosed) {
			return [][]byte{line}, err
		}
		return nil, err
	}
	lines := [][]byte{line}
	for len(lines) < t.opts.BatchLines && br.Buffered() > 0 {
		buffered, _ := br.Peek(br.Buffered())
		if bytes.IndexByte(buffered, '\n') < 0 {
			break
		}
		line, err := br.ReadBytes('\n')
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (t *TCP) deliver(c *tcpConn, lines [][]byte) {
	defer func() {
		select {
		case c.ack <- struct{}{}:
		default:
		}
	}()
	for _, line := range lines {
		if t.cur != c {
			return
		}
		t.handler.OnLine(line)
	}
}

func (t *TCP) write(c *tcpConn) {
	for {
		select {
		case <-c.closed:
			return
		case buf := <-c.writes:
			n, err := c.netConn().Write(buf)
			if err != nil {
				t.fail(c, err)
				return
			}
			t.post(c, func() { t.handler.OnWritten(n) })
		}
	}
}
