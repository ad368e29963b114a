// Optional debug transport: streams trace events to a connected observer
// process over QUIC, framing each event as a qpack header block the way
// the teacher's HTTP/3 netstack frames request headers
// (internal/runtime/netstack/http3.go), generalized from full HTTP/3
// request framing down to a simple one-directional event stream.
package trace

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/qpack"
	quic "github.com/quic-go/quic-go"

	"github.com/vmmcore/vmm/internal/vmerrors"
)

// QUICSink streams trace events to a single connected observer.
type QUICSink struct {
	mu  sync.Mutex
	enc *qpack.Encoder
}

func newQUICSink(w io.Writer) *QUICSink {
	return &QUICSink{enc: qpack.NewEncoder(w)}
}

func (s *QUICSink) emit(fields []qpack.HeaderField) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fields {
		// A write error here means the observer went away; it is ignored,
		// and this sink stays installed until the server is closed and
		// serveConn installs NoopSink{}.
		_ = s.enc.WriteField(f)
	}
}

func (s *QUICSink) Fault(baseAddr, addr uintptr, write bool) {
	s.emit([]qpack.HeaderField{
		{Name: ":event", Value: "fault"},
		{Name: "object", Value: fmt.Sprintf("%#x", baseAddr)},
		{Name: "addr", Value: fmt.Sprintf("%#x", addr)},
		{Name: "write", Value: fmt.Sprintf("%v", write)},
	})
}

func (s *QUICSink) Populate(baseAddr uintptr, pageLo, pageHi int64) {
	s.emit([]qpack.HeaderField{
		{Name: ":event", Value: "populate"},
		{Name: "object", Value: fmt.Sprintf("%#x", baseAddr)},
		{Name: "page-lo", Value: fmt.Sprintf("%d", pageLo)},
		{Name: "page-hi", Value: fmt.Sprintf("%d", pageHi)},
	})
}

func (s *QUICSink) Evict(baseAddr uintptr, pageLo, pageHi int64, dirty bool) {
	s.emit([]qpack.HeaderField{
		{Name: ":event", Value: "evict"},
		{Name: "object", Value: fmt.Sprintf("%#x", baseAddr)},
		{Name: "page-lo", Value: fmt.Sprintf("%d", pageLo)},
		{Name: "page-hi", Value: fmt.Sprintf("%d", pageHi)},
		{Name: "dirty", Value: fmt.Sprintf("%v", dirty)},
	})
}

func (s *QUICSink) Error(baseAddr uintptr, err *vmerrors.Error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.emit([]qpack.HeaderField{
		{Name: ":event", Value: "error"},
		{Name: "object", Value: fmt.Sprintf("%#x", baseAddr)},
		{Name: "message", Value: msg},
	})
}

// QUICServer accepts observer connections and installs the active one as
// the process-wide trace sink.
type QUICServer struct {
	ln     *quic.Listener
	cancel context.CancelFunc
}

// ListenQUIC starts a QUIC listener on addr. Each accepted connection
// opens a stream that becomes the active trace sink (replacing any
// previous observer) until the server is closed. Pairs with
// vmm.SetDebug(true).
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICServer, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("trace: quic listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &QUICServer{ln: ln, cancel: cancel}

	go srv.acceptLoop(ctx)
	return srv, nil
}

func (s *QUICServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			return
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *QUICServer) serveConn(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return
	}
	defer stream.Close()

	SetSink(newQUICSink(stream))
	<-ctx.Done()
	SetSink(NoopSink{})
}

// Close stops the listener and any observer streaming through it.
func (s *QUICServer) Close() error {
	s.cancel()
	return s.ln.Close()
}
