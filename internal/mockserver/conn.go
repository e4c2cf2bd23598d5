package mockserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/9triver/mutator/internal/pe"
	"github.com/9triver/mutator/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Status codes the mock returns, same numbering as the client's Status.
const (
	statusSuccess     = 0
	statusInvalidFile = 1
	statusMissingMap  = 2
	statusMissingBin  = 3
	statusInvalidBin  = 4
)

var errCallbackTimeout = errors.New("callback reply timed out")

// conn is one client connection. Requests are handled one at a time on the
// worker goroutine; callback replies are read concurrently and handed over
// through replies so the worker can wait for them mid-request.
type conn struct {
	srv *Server
	id  string
	ws  *websocket.Conn
	log *logrus.Entry

	writeMu   sync.Mutex
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	requests chan *protocol.Envelope
	replies  chan *protocol.Envelope

	// worker state
	username string
	token    string
	job      *job
}

type job struct {
	mapText  string
	binary   []byte
	info     *pe.Info
	settings protocol.Settings
	mapper   *protocol.MapperData
	exports  map[string][]byte
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &conn{
		srv:      srv,
		id:       id,
		ws:       ws,
		log:      srv.log.WithField("conn", id),
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan *protocol.Envelope, 16),
		replies:  make(chan *protocol.Envelope, 16),
	}
}

func (c *conn) run() {
	defer c.close(websocket.CloseNormalClosure, "")

	if err := c.write(&protocol.SessionAnnounce{Type: protocol.TypeHandshake, SessionID: c.id}); err != nil {
		c.log.Warnf("Failed to announce session: %v", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range c.requests {
			c.handle(env)
		}
	}()

	c.readLoop()
	close(c.requests)
	c.cancel()
	<-done
}

func (c *conn) readLoop() {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debugf("Read error: %v", err)
			}
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.log.Debugf("Ignoring frame: %v", err)
			continue
		}

		if env.Type == protocol.TypeCallback {
			select {
			case c.replies <- env:
			default:
				c.log.Warn("Dropping unexpected callback reply")
			}
			continue
		}
		select {
		case c.requests <- env:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) write(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *conn) handle(env *protocol.Envelope) {
	if env.Type == protocol.TypeHandshake {
		c.authenticate(env)
		return
	}
	if !c.authorized(env.Session) {
		c.log.Warnf("Rejecting %s request with invalid session", env.Type)
		c.close(websocket.ClosePolicyViolation, "invalid session")
		return
	}

	var err error
	switch env.Type {
	case protocol.TypeInitialize:
		err = c.initialize(env)
	case protocol.TypeMapperData:
		err = c.mapperData()
	case protocol.TypeMutationData:
		err = c.proceed(env)
	default:
		c.log.Debugf("Ignoring %s request", env.Type)
	}
	if err != nil {
		c.log.Warnf("%s request failed: %v", env.Type, err)
	}
}

func (c *conn) authenticate(env *protocol.Envelope) {
	if !c.srv.users.verify(env.Username, env.Password) {
		c.log.Infof("Authentication failed for %q", env.Username)
		_ = c.write(&protocol.HandshakeReply{Type: protocol.TypeHandshake, SessionID: c.id, Status: 1})
		return
	}

	token, err := c.srv.tokens.issue(env.Username, c.id)
	if err != nil {
		c.log.Errorf("Failed to issue token: %v", err)
		_ = c.write(&protocol.HandshakeReply{Type: protocol.TypeHandshake, SessionID: c.id, Status: 1})
		return
	}
	c.username = env.Username
	c.token = token
	c.log.Infof("User %s authenticated", env.Username)
	_ = c.write(&protocol.HandshakeReply{Type: protocol.TypeHandshake, SessionID: token, Status: 0})
}

func (c *conn) authorized(session string) bool {
	if c.token == "" || session != c.token {
		return false
	}
	claims, err := c.srv.tokens.validate(session)
	return err == nil && claims.ID == c.id
}

func (c *conn) initialize(env *protocol.Envelope) error {
	status := statusSuccess
	var info *pe.Info
	switch {
	case env.Map == "":
		status = statusMissingMap
	case len(env.PE) == 0:
		status = statusMissingBin
	default:
		var err error
		if info, err = pe.Inspect(env.PE); err != nil {
			status = statusInvalidBin
		}
	}
	if status != statusSuccess {
		return c.write(&protocol.StatusReply{Type: protocol.TypeInitialize, Status: status})
	}

	j := &job{
		mapText: env.Map,
		binary:  append([]byte(nil), env.PE...),
		info:    info,
		exports: map[string][]byte{},
	}
	if env.Settings != nil {
		j.settings = *env.Settings
	}

	if registered(j.settings, protocol.CallbackExportInit) {
		for _, name := range c.srv.cfg.InitExports {
			reply, err := c.call(protocol.CallbackExportInit, name)
			if err != nil {
				_ = c.write(&protocol.StatusReply{Type: protocol.TypeInitialize, Status: statusInvalidFile})
				return fmt.Errorf("EXPORT_INIT %s: %w", name, err)
			}
			j.exports[name] = reply
		}
	}

	j.mapper = c.layout(j)
	c.job = j
	c.log.Infof("Initialized job for client %d (%d bytes, %d imports)", j.mapper.ClientID, len(j.binary), j.mapper.ImportCount())
	return c.write(&protocol.StatusReply{Type: protocol.TypeInitialize, Status: statusSuccess})
}

// layout derives the regions the client must allocate: the image itself and,
// when export data was supplied, one region holding it.
func (c *conn) layout(j *job) *protocol.MapperData {
	page := c.srv.cfg.PageSize
	imageSize := j.info.ImageSize
	if uint64(len(j.binary)) > imageSize {
		imageSize = uint64(len(j.binary))
	}
	sizes := []uint64{alignUp(imageSize, page)}

	var exportBytes uint64
	for _, data := range j.exports {
		exportBytes += uint64(len(data))
	}
	if exportBytes > 0 {
		sizes = append(sizes, alignUp(exportBytes, page))
	}

	imports := make(map[string][]string, len(j.info.Imports))
	for module, fns := range j.info.Imports {
		imports[module] = append([]string(nil), fns...)
	}
	return &protocol.MapperData{ClientID: uuid.New().ID(), Sizes: sizes, Imports: imports}
}

func (c *conn) mapperData() error {
	if c.job == nil {
		return c.write(&protocol.StatusReply{Type: protocol.TypeMapperData, Status: statusInvalidFile})
	}
	return c.write(&protocol.MapperDataReply{Type: protocol.TypeMutationData, Data: c.job.mapper})
}

func (c *conn) proceed(env *protocol.Envelope) error {
	j := c.job
	if j == nil {
		return c.fail("no initialized job")
	}

	var info protocol.LaunchInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return c.fail("malformed launch info")
	}
	if err := c.checkLaunch(j, &info); err != nil {
		return c.fail(err.Error())
	}

	notify := c.srv.cfg.AlwaysNotifyLifecycle
	if notify || registered(j.settings, protocol.CallbackMmapStart) {
		if err := c.notify(protocol.CallbackMmapStart); err != nil {
			return err
		}
	}
	if registered(j.settings, protocol.CallbackExportMmap) {
		for _, name := range c.srv.cfg.MmapExports {
			data, err := c.call(protocol.CallbackExportMmap, name)
			if err != nil {
				return c.fail(fmt.Sprintf("EXPORT_MMAP %s: %v", name, err))
			}
			j.exports[name] = data
		}
	}
	if notify || registered(j.settings, protocol.CallbackMmapEnd) {
		if err := c.notify(protocol.CallbackMmapEnd); err != nil {
			return err
		}
	}

	out := mutate(j, &info)
	c.job = nil
	c.log.Infof("Finalized client %d: %d -> %d bytes", info.ClientID, len(j.binary), len(out))
	return c.write(&protocol.FinalizeReply{
		Type:      protocol.TypeFinalize,
		Succeeded: true,
		Data: map[string]any{
			"client_id": info.ClientID,
			"bases":     info.Bases,
			"entry":     info.Bases[0],
		},
		PEBin: []protocol.Bytes{out},
	})
}

func (c *conn) checkLaunch(j *job, info *protocol.LaunchInfo) error {
	if info.ClientID != j.mapper.ClientID {
		return fmt.Errorf("unknown client id %d", info.ClientID)
	}
	if len(info.Bases) != len(j.mapper.Sizes) {
		return fmt.Errorf("expected %d bases, got %d", len(j.mapper.Sizes), len(info.Bases))
	}
	for i, base := range info.Bases {
		if base == 0 || base%c.srv.cfg.PageSize != 0 {
			return fmt.Errorf("base %d (%#x) is not page aligned", i, base)
		}
	}
	for module, fns := range j.mapper.Imports {
		for _, fn := range fns {
			if _, ok := info.Imports[module][fn]; !ok {
				return fmt.Errorf("import %s!%s not resolved", module, fn)
			}
		}
	}
	return nil
}

func (c *conn) fail(reason string) error {
	c.log.Infof("Proceed failed: %s", reason)
	return c.write(&protocol.FinalizeReply{
		Type:      protocol.TypeFinalize,
		Succeeded: false,
		Data:      map[string]string{"error": reason},
		PEBin:     []protocol.Bytes{},
	})
}

// call invokes an export callback on the client and waits for its reply.
func (c *conn) call(kind protocol.CallbackKind, name string) ([]byte, error) {
	if err := c.write(&protocol.CallbackInvocation{Type: protocol.TypeCallback, Callback: kind, Name: name}); err != nil {
		return nil, err
	}

	timeout := time.NewTimer(time.Duration(c.srv.cfg.CallbackTimeoutSeconds) * time.Second)
	defer timeout.Stop()
	for {
		select {
		case reply := <-c.replies:
			if reply.Callback == nil || *reply.Callback != kind {
				c.log.Debugf("Ignoring reply for another callback")
				continue
			}
			data := []byte(reply.Bin)
			if reply.Size != nil && *reply.Size < uint64(len(data)) {
				data = data[:*reply.Size]
			}
			return data, nil
		case <-timeout.C:
			return nil, errCallbackTimeout
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
	}
}

func (c *conn) notify(kind protocol.CallbackKind) error {
	return c.write(&protocol.CallbackInvocation{Type: protocol.TypeCallback, Callback: kind})
}

// mutate appends a trailer to the image: magic, the allocated bases and the
// export data in name order.
func mutate(j *job, info *protocol.LaunchInfo) []byte {
	out := append([]byte(nil), j.binary...)
	out = append(out, 'M', 'U', 'T', '1')
	for _, base := range info.Bases {
		out = binary.LittleEndian.AppendUint64(out, base)
	}
	names := make([]string, 0, len(j.exports))
	for name := range j.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, j.exports[name]...)
	}
	return out
}

func registered(settings protocol.Settings, kind protocol.CallbackKind) bool {
	for _, k := range settings.Callbacks {
		if k == int(kind) {
			return true
		}
	}
	return false
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}
