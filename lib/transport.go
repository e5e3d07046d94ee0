package lib

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

// lifecycle mirrors spec.md §3's Transport state progression.
type lifecycle int

const (
	lifecycleCreated lifecycle = iota
	lifecycleConfigured
	lifecycleBound
	lifecycleRunning
	lifecycleDestroyed
)

// PacketIO is the external packet transport the core consumes (spec.md
// §1): something that reads and writes datagrams tagged with source and
// destination network addresses. Raw socket opening, multicast group
// membership, and interface binding are all the concrete implementation's
// concern (see the netio/ package), not the core's.
type PacketIO interface {
	// ReadFrom reads one datagram into buf and reports its source
	// address. dst reports the datagram's destination address (the
	// multicast group NLA for downstream traffic) when the implementation
	// can determine it cheaply, and is nil otherwise — Dispatch treats a
	// nil dst as "unknown" and skips learning a peer's group NLA from it.
	ReadFrom(buf []byte) (n int, src net.Addr, dst net.Addr, err error)
	// WriteTo sends buf to dst. noReplyExpected is the optional
	// "MSG_CONFIRM-style" hint from spec.md §9 open question (a): when
	// true the implementation may skip ARP/neighbor refresh it would
	// otherwise do on a reply-bearing send. The netio/ implementations
	// (UDP and raw, on every platform) ignore it.
	WriteTo(buf []byte, dst net.Addr, noReplyExpected bool) (int, error)
	Close() error
}

// RateLimiter is the external token-bucket collaborator the core consumes
// (spec.md §1): check(len) -> ok | would-block.
type RateLimiter interface {
	Check(n int) bool
}

// mathRand adapts math/rand.Rand to the randSource interface RXW's NAK
// back-off draw uses.
type mathRand struct{ r *rand.Rand }

func (m mathRand) Int63n(n int64) int64 { return m.r.Int63n(n) }

// Transport is a PGM session endpoint: spec.md §3's Transport plus every
// method spec.md's components describe, assembled the way the teacher's
// PcpCore (lib/pcpcore.go) assembles dial/listen/close around a connection
// table.
type Transport struct {
	cfg TransportConfig
	tsi TSI

	// lock hierarchy, acquired in this order and never reversed
	// (spec.md §5): mutex -> peersLock -> peer.mutex (inside Peer) ->
	// txwLock (owned by TXW) -> waitingMutex -> send mutexes.
	mutex sync.Mutex // timer fields below

	nextAmbientSpm   time.Time
	nextHeartbeatSpm time.Time
	heartbeatArmed   bool
	heartbeatIdx     int
	spmSqn           SQN

	peersLock sync.RWMutex
	peers     map[TSI]*Peer

	waitingMutex sync.Mutex
	waiting      []*Peer // peers with newly committed data ready for a reader

	sendMutex            sync.Mutex
	sendWithAlertMutex   sync.Mutex

	dport            uint16
	sourceNLA        net.Addr
	sendGroupNLA     net.Addr

	txw    *TXW
	fec    FecConfig
	hasFec bool
	codec  Codec

	proactiveMu    sync.Mutex
	proactiveGroup *TxGroup

	io    PacketIO
	rate  RateLimiter

	stats *Stats

	state     lifecycle
	stateMu   sync.Mutex
	closeOnce sync.Once

	timerWake *Source
	rdataWake *Source
	readWake  *Source

	stopCh chan struct{}
	wg     sync.WaitGroup

	rng *rand.Rand
}

// NewTransport validates cfg and creates a Transport in the "configured"
// lifecycle state. It is not usable until Bind and Start have run, mirroring spec.md §3's
// created -> configured -> bound -> running -> destroyed progression.
func NewTransport(tsi TSI, cfg TransportConfig) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:       cfg,
		tsi:       tsi,
		peers:     make(map[TSI]*Peer),
		stats:     &Stats{},
		timerWake: NewSource(),
		rdataWake: NewSource(),
		readWake:  NewSource(),
		stopCh:    make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		state:     lifecycleCreated,
	}
	if cfg.FecEnabled {
		fc, err := NewFecConfig(cfg.FecN, cfg.FecK, cfg.FecProactive, cfg.FecOnDemand, cfg.FecVarPktLen)
		if err != nil {
			return nil, err
		}
		t.fec = fc
		t.hasFec = true
	}
	if !cfg.RecvOnly {
		tgShift := uint(0)
		if t.hasFec {
			tgShift = t.fec.TgSqnShift
		}
		t.txw = NewTXW(cfg.TxwSqns, tgShift)
	}
	t.state = lifecycleConfigured
	return t, nil
}

// Bind attaches the packet I/O, FEC codec (nil if FEC disabled), and rate
// limiter (nil to disable rate limiting), records the addressing this
// transport answers to, schedules the first ambient SPM and registers the
// transport; Start launches the goroutines. Matches the
// teacher's ListenPcp/DialPcp pattern of binding a socket before spawning
// long-running goroutines.
func (t *Transport) Bind(io PacketIO, codec Codec, rate RateLimiter, dport uint16, sourceNLA, sendGroupNLA net.Addr) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.state != lifecycleConfigured {
		return fmt.Errorf("pgm: bind requires configured state: %w", ErrNotBound)
	}
	if t.hasFec && codec == nil {
		return fmt.Errorf("pgm: fec enabled but no codec supplied: %w", ErrInvalidArgument)
	}

	t.io = io
	t.codec = codec
	t.rate = rate
	t.dport = dport
	t.sourceNLA = sourceNLA
	t.sendGroupNLA = sendGroupNLA

	now := time.Now()
	t.nextAmbientSpm = now.Add(t.cfg.SpmAmbientInterval)

	t.state = lifecycleBound
	registerTransport(t)
	return nil
}

// Start launches the timer goroutine and the receiver loop goroutine,
// moving the transport into the running state. It spawns the timer
// goroutine first and waits for it to signal that it is running
// (spec.md §9's "thread-started-then-signalled bootstrap"), represented
// here with a ready channel rather than shared-memory polling.
func (t *Transport) Start() error {
	t.stateMu.Lock()
	if t.state != lifecycleBound {
		t.stateMu.Unlock()
		return fmt.Errorf("pgm: start requires bound state: %w", ErrNotBound)
	}
	t.state = lifecycleRunning
	t.stateMu.Unlock()

	ready := make(chan struct{})
	t.wg.Add(1)
	go t.timerLoop(ready)
	<-ready

	t.wg.Add(1)
	go t.receiverLoop()

	return nil
}

// Stats returns the transport's cumulative counters.
func (t *Transport) Stats() Stats { return t.stats.Snapshot() }

// TSI returns this transport's own session identifier.
func (t *Transport) TSI() TSI { return t.tsi }

// Close signals the timer goroutine and receiver loop to exit, waits up to
// CloseDrainTimeout for both to return, then closes the packet I/O and
// deregisters the transport. No SPMs or NAKs are flushed on close, and if
// the timeout expires first Close proceeds without waiting further. After
// Close returns no method may be invoked on the transport again (spec.md
// §5 cancellation contract). This bounded wait takes the place of the
// reference implementation's empty-bodied flush (spec.md §9 open question
// (b)).
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.stateMu.Lock()
		t.state = lifecycleDestroyed
		t.stateMu.Unlock()

		close(t.stopCh)
		t.timerWake.Close()
		t.rdataWake.Close()
		t.readWake.Close()

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(t.cfg.CloseDrainTimeout):
		}

		if t.io != nil {
			err = t.io.Close()
		}
		deregisterTransport(t)
	})
	return err
}

// Read returns the contiguous committed payload slices of every peer on
// the waiting list built by peer RXWs' onReady callbacks, up to max slices
// from each peer, and empties that list (the O(1) wake-up path of spec.md
// §4.2's waiting_link/peers_waiting design). It does not block.
func (t *Transport) Read(max int) [][]byte {
	t.waitingMutex.Lock()
	peers := t.waiting
	t.waiting = nil
	t.waitingMutex.Unlock()

	var out [][]byte
	for _, p := range peers {
		out = append(out, p.RXW.Read(max)...)
	}
	return out
}

// ReadWake exposes the channel that wakes when new data has committed, for
// callers building their own event loop around the transport rather than
// polling Read in a loop.
func (t *Transport) ReadWake() <-chan struct{} { return t.readWake.C() }

func (t *Transport) markWaiting(p *Peer) {
	t.waitingMutex.Lock()
	t.waiting = append(t.waiting, p)
	t.waitingMutex.Unlock()
	t.readWake.Fire()
}

// getOrCreatePeer resolves tsi to its Peer, creating one lazily on first
// sight with a fresh RXW (spec.md §3: "created lazily on first downstream
// packet from an unknown TSI").
func (t *Transport) getOrCreatePeer(tsi TSI, localNLA net.Addr, now time.Time) *Peer {
	t.peersLock.RLock()
	p, ok := t.peers[tsi]
	t.peersLock.RUnlock()
	if ok {
		return p
	}

	t.peersLock.Lock()
	defer t.peersLock.Unlock()
	if p, ok := t.peers[tsi]; ok {
		return p
	}

	timing := NakTiming{
		NakBoIvl:       t.cfg.NakBoIvl,
		NakRptIvl:      t.cfg.NakRptIvl,
		NakRdataIvl:    t.cfg.NakRdataIvl,
		NakDataRetries: t.cfg.NakDataRetries,
		NakNcfRetries:  t.cfg.NakNcfRetries,
	}
	p = newPeer(tsi, localNLA, t.cfg.RxwSqns, timing, mathRand{t.rng}, t.stats, t, now.Add(t.cfg.PeerExpiry))
	p.RXW.SetOnReady(func() { t.markWaiting(p) })
	if !t.cfg.Passive {
		p.ArmSpmr(now, t.cfg.SpmrExpiry)
	}
	t.peers[tsi] = p
	t.stats.incr(&t.stats.PeersCreated)
	return p
}

// expirePeers removes every peer whose expiry has passed, per invariant 9.
func (t *Transport) expirePeers(now time.Time) {
	t.peersLock.Lock()
	defer t.peersLock.Unlock()
	for tsi, p := range t.peers {
		if p.IsExpired(now) {
			delete(t.peers, tsi)
			t.stats.incr(&t.stats.PeersExpired)
		}
	}
}
