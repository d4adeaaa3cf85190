package ipc

import (
	"bytes"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gravtree/internal/sim"

	"golang.org/x/time/rate"
)

// Publisher fans committed snapshots out to connected render processes
type Publisher struct {
	socketPath string
	listener   net.Listener

	clients   map[net.Conn]struct{}
	clientsMu sync.RWMutex

	// Ring buffer behavior - drop oldest if full
	snapshotCh chan *SnapshotMessage

	config   ConfigMessage
	configMu sync.RWMutex

	// Stats
	clientCount   int32 // atomic
	snapshotsSent int64 // atomic
	droppedFrames int64 // atomic

	logLimiter *rate.Limiter // dropped frame log lines

	running int32 // atomic
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPublisher creates a new IPC publisher
func NewPublisher(socketPath string) *Publisher {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	return &Publisher{
		socketPath: socketPath,
		clients:    make(map[net.Conn]struct{}),
		snapshotCh: make(chan *SnapshotMessage, 4),
		logLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		stopCh:     make(chan struct{}),
	}
}

// SetConfig sets the description sent to each new subscriber
func (p *Publisher) SetConfig(cfg ConfigMessage) {
	p.configMu.Lock()
	p.config = cfg
	p.configMu.Unlock()
}

// Start listens on the socket and starts the accept and broadcast loops
func (p *Publisher) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return nil
	}

	listener, err := CreatePlatformListener(p.socketPath)
	if err != nil {
		atomic.StoreInt32(&p.running, 0)
		return err
	}
	p.listener = listener

	p.wg.Add(2)
	go p.acceptLoop()
	go p.broadcastLoop()

	log.Printf("📡 IPC publisher started on %s", GetPlatformAddress(p.socketPath))
	return nil
}

// Stop closes the listener and every client
func (p *Publisher) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}

	close(p.stopCh)
	if p.listener != nil {
		p.listener.Close()
	}

	p.clientsMu.Lock()
	for conn := range p.clients {
		conn.Close()
	}
	p.clientsMu.Unlock()

	p.wg.Wait()

	CleanupSocket(p.socketPath)
	log.Println("📡 IPC publisher stopped")
}

// PublishSnapshot queues a copy of snap for broadcast.
// Non-blocking: drops the oldest queued snapshot if the buffer is full.
func (p *Publisher) PublishSnapshot(snap *sim.Snapshot) {
	if atomic.LoadInt32(&p.running) == 0 || atomic.LoadInt32(&p.clientCount) == 0 {
		return
	}

	msg := FromSnapshot(snap)
	select {
	case p.snapshotCh <- msg:
	default:
		select {
		case <-p.snapshotCh:
			atomic.AddInt64(&p.droppedFrames, 1)
		default:
		}
		select {
		case p.snapshotCh <- msg:
		default:
		}
	}
}

// GetStats returns publisher statistics
func (p *Publisher) GetStats() (clients int, sent int64, dropped int64) {
	return int(atomic.LoadInt32(&p.clientCount)),
		atomic.LoadInt64(&p.snapshotsSent),
		atomic.LoadInt64(&p.droppedFrames)
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()

	for atomic.LoadInt32(&p.running) == 1 {
		conn, err := p.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&p.running) == 0 {
				return
			}
			log.Printf("⚠️ IPC accept error: %v", err)
			time.Sleep(ReconnectDelay)
			continue
		}

		p.addClient(conn)
	}
}

// addClient sends the config first so it always precedes snapshots.
func (p *Publisher) addClient(conn net.Conn) {
	p.configMu.RLock()
	config := p.config
	p.configMu.RUnlock()

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := WriteMessage(conn, MsgTypeConfig, config); err != nil {
		log.Printf("⚠️ Failed to send config to subscriber: %v", err)
		conn.Close()
		return
	}

	p.clientsMu.Lock()
	if atomic.LoadInt32(&p.running) == 0 {
		p.clientsMu.Unlock()
		conn.Close()
		return
	}
	p.clients[conn] = struct{}{}
	p.clientsMu.Unlock()

	count := atomic.AddInt32(&p.clientCount, 1)
	log.Printf("✅ Renderer connected (total: %d)", count)

	p.wg.Add(1)
	go p.drain(conn)
}

// drain consumes pongs and notices when the peer goes away.
func (p *Publisher) drain(conn net.Conn) {
	defer p.wg.Done()
	defer p.removeClient(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout))
		if _, _, err := ReadMessage(conn); err != nil {
			return
		}
	}
}

func (p *Publisher) removeClient(conn net.Conn) {
	p.clientsMu.Lock()
	if _, ok := p.clients[conn]; !ok {
		p.clientsMu.Unlock()
		return
	}
	delete(p.clients, conn)
	conn.Close()
	p.clientsMu.Unlock()

	count := atomic.AddInt32(&p.clientCount, -1)
	log.Printf("🔌 Renderer disconnected (remaining: %d)", count)
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case msg := <-p.snapshotCh:
			if p.broadcast(MsgTypeSnapshot, msg) {
				atomic.AddInt64(&p.snapshotsSent, 1)
			}
		case <-heartbeat.C:
			p.broadcast(MsgTypePing, nil)
		}
	}
}

// broadcast encodes one message, writes it to every client and reports
// whether any client received it. A message that cannot be encoded is a
// dropped frame; the clients stay connected.
func (p *Publisher) broadcast(msgType byte, data any) bool {
	p.clientsMu.RLock()
	clients := make([]net.Conn, 0, len(p.clients))
	for conn := range p.clients {
		clients = append(clients, conn)
	}
	p.clientsMu.RUnlock()

	if len(clients) == 0 {
		return false
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := EncodeMessage(buf, msgType, data); err != nil {
		atomic.AddInt64(&p.droppedFrames, 1)
		if p.logLimiter.Allow() {
			log.Printf("⚠️ IPC frame dropped: %v", err)
		}
		return false
	}
	frame := buf.Bytes()

	delivered := false
	for _, conn := range clients {
		conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
		if _, err := conn.Write(frame); err != nil {
			p.removeClient(conn)
			continue
		}
		delivered = true
	}
	return delivered
}
