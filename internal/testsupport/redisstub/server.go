// Package redisstub runs a minimal in-process Redis Streams server for event
// queue tests. It speaks enough RESP2 for the go-redis client: HELLO is
// answered with an unknown-command error so the client falls back to RESP2
// and authenticates with a plain AUTH.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options configures the stub server.
type Options struct {
	Password  string
	EnableTLS bool
}

// Server is a single-node Redis Streams stub listening on a loopback port.
type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	closed   chan struct{}

	mu      sync.Mutex
	streams map[string]*stream
	nextID  int64

	certPEM []byte
	keyPEM  []byte
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	id     string
	fields map[string]string
}

// group tracks per-consumer-group delivery: cursor is the index of the next
// undelivered entry, pending holds delivered-but-unacked ids.
type group struct {
	cursor  int
	pending map[string]bool
}

// Start listens on an ephemeral loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	srv := &Server{
		opts:    opts,
		streams: make(map[string]*stream),
		closed:  make(chan struct{}),
	}
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := selfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		srv.certPEM = certPEM
		srv.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return nil, err
	}
	srv.listener = ln
	srv.addr = ln.Addr().String()
	go srv.acceptLoop()
	return srv, nil
}

// Addr returns the host:port the stub listens on.
func (s *Server) Addr() string {
	return s.addr
}

// CertPEM returns the PEM-encoded server certificate when TLS is enabled, for
// use as a client trust root.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// KeyPEM returns the PEM-encoded private key when TLS is enabled.
func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// Close stops the listener. Established connections end when their peers
// disconnect.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authed := s.opts.Password == ""
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if replyError(writer, "ERR empty command") != nil {
				return
			}
			continue
		}
		var replyErr error
		switch strings.ToUpper(args[0]) {
		case "HELLO":
			// Declining HELLO keeps the client on RESP2.
			replyErr = replyError(writer, "ERR unknown command 'HELLO'")
		case "PING":
			replyErr = replySimple(writer, "PONG")
		case "AUTH":
			authed, replyErr = s.handleAuth(writer, args)
		case "SELECT", "CLIENT", "RESET":
			replyErr = replySimple(writer, "OK")
		default:
			if !authed {
				replyErr = replyError(writer, "NOAUTH Authentication required.")
				break
			}
			replyErr = s.handleCommand(writer, args)
		}
		if replyErr != nil {
			return
		}
	}
}

// handleAuth accepts both AUTH <password> and AUTH <username> <password>.
func (s *Server) handleAuth(w *bufio.Writer, args []string) (bool, error) {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return false, replyError(w, "ERR wrong number of arguments for 'auth'")
	}
	if s.opts.Password != "" && password != s.opts.Password {
		return false, replyError(w, "WRONGPASS invalid username-password pair")
	}
	return true, replySimple(w, "OK")
}

func (s *Server) handleCommand(w *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.handleXAdd(w, args)
	case "XGROUP":
		return s.handleXGroup(w, args)
	case "XREADGROUP":
		return s.handleXReadGroup(w, args)
	case "XACK":
		return s.handleXAck(w, args)
	case "XLEN":
		return s.handleXLen(w, args)
	default:
		return replyError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) handleXAdd(w *bufio.Writer, args []string) error {
	if len(args) < 5 || (len(args)-3)%2 != 0 {
		return replyError(w, "ERR wrong number of arguments for 'xadd'")
	}
	name, id := args[1], args[2]
	fields := make(map[string]string)
	for i := 3; i+1 < len(args); i += 2 {
		fields[args[i]] = args[i+1]
	}
	s.mu.Lock()
	if id == "*" {
		s.nextID++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.nextID)
	}
	strm := s.stream(name)
	strm.entries = append(strm.entries, entry{id: id, fields: fields})
	s.mu.Unlock()
	return replyBulk(w, id)
}

func (s *Server) handleXGroup(w *bufio.Writer, args []string) error {
	if len(args) < 5 || !strings.EqualFold(args[1], "CREATE") {
		return replyError(w, "ERR unsupported XGROUP subcommand")
	}
	name, groupName := args[2], args[3]
	s.mu.Lock()
	strm := s.stream(name)
	_, exists := strm.groups[groupName]
	if !exists {
		// Groups start at the tail regardless of the requested position; the
		// queue under test always creates at "$".
		strm.groups[groupName] = &group{cursor: len(strm.entries), pending: make(map[string]bool)}
	}
	s.mu.Unlock()
	if exists {
		return replyError(w, "BUSYGROUP Consumer Group name already exists")
	}
	return replySimple(w, "OK")
}

func (s *Server) handleXReadGroup(w *bufio.Writer, args []string) error {
	var groupName, streamName string
	count := 1
	var block time.Duration
	blocking := false
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return replyError(w, "ERR syntax error")
			}
			groupName = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return replyError(w, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return replyError(w, "ERR value is not an integer or out of range")
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return replyError(w, "ERR syntax error")
			}
			ms, err := strconv.Atoi(args[i+1])
			if err != nil {
				return replyError(w, "ERR timeout is not an integer or out of range")
			}
			block = time.Duration(ms) * time.Millisecond
			blocking = true
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return replyError(w, "ERR syntax error")
			}
			streamName = args[i+1]
			i = len(args)
		}
	}
	if groupName == "" || streamName == "" {
		return replyError(w, "ERR missing GROUP or STREAMS")
	}

	deadline := time.Now().Add(block)
	for {
		delivered := s.deliver(streamName, groupName, count)
		if len(delivered) > 0 {
			return replyStreams(w, streamName, delivered)
		}
		if !blocking || !time.Now().Before(deadline) {
			return replyNilArray(w)
		}
		select {
		case <-s.closed:
			return replyNilArray(w)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// deliver hands the group's next undelivered entries to the caller and marks
// them pending.
func (s *Server) deliver(streamName, groupName string, count int) []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.stream(streamName)
	grp, ok := strm.groups[groupName]
	if !ok {
		return nil
	}
	if grp.cursor >= len(strm.entries) {
		return nil
	}
	end := grp.cursor + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	delivered := make([]entry, end-grp.cursor)
	copy(delivered, strm.entries[grp.cursor:end])
	for _, e := range delivered {
		grp.pending[e.id] = true
	}
	grp.cursor = end
	return delivered
}

func (s *Server) handleXAck(w *bufio.Writer, args []string) error {
	if len(args) < 4 {
		return replyError(w, "ERR wrong number of arguments for 'xack'")
	}
	name, groupName := args[1], args[2]
	s.mu.Lock()
	acked := int64(0)
	if strm, ok := s.streams[name]; ok {
		if grp, ok := strm.groups[groupName]; ok {
			for _, id := range args[3:] {
				if grp.pending[id] {
					delete(grp.pending, id)
					acked++
				}
			}
		}
	}
	s.mu.Unlock()
	return replyInteger(w, acked)
}

func (s *Server) handleXLen(w *bufio.Writer, args []string) error {
	if len(args) != 2 {
		return replyError(w, "ERR wrong number of arguments for 'xlen'")
	}
	s.mu.Lock()
	length := int64(0)
	if strm, ok := s.streams[args[1]]; ok {
		length = int64(len(strm.entries))
	}
	s.mu.Unlock()
	return replyInteger(w, length)
}

// stream returns the named stream, creating it if needed. Caller holds s.mu.
func (s *Server) stream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*group)}
		s.streams[name] = strm
	}
	return strm
}

// readCommand parses one RESP array of bulk strings.
func readCommand(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected command prefix %q", prefix)
	}
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		arg, err := readBulk(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulk(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected bulk prefix %q", prefix)
	}
	n, err := readLength(r)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", nil
	}
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func replySimple(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func replyError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}

func replyInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func replyBulk(w *bufio.Writer, value string) error {
	if err := writeBulk(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func replyNilArray(w *bufio.Writer) error {
	if _, err := w.WriteString("*-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// replyStreams writes the RESP2 XREADGROUP shape: an array of streams, each a
// [name, entries] pair, each entry an [id, flat-field-list] pair.
func replyStreams(w *bufio.Writer, streamName string, entries []entry) error {
	if _, err := fmt.Fprintf(w, "*1\r\n*2\r\n"); err != nil {
		return err
	}
	if err := writeBulk(w, streamName); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(entries)); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "*2\r\n"); err != nil {
			return err
		}
		if err := writeBulk(w, e.id); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(e.fields)*2); err != nil {
			return err
		}
		for key, value := range e.fields {
			if err := writeBulk(w, key); err != nil {
				return err
			}
			if err := writeBulk(w, value); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func writeBulk(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func selfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}
