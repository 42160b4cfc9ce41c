// Package mux implements the inner stream multiplexer: stream open/accept,
// per-stream credit-based flow control, a reserved control stream, and
// key rotation with a bounded three-frame old-key overlap window gated by
// a rekey-close policy on the data plane.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
	"github.com/qnetproto/qnet-htx/internal/encoding"
	"github.com/qnetproto/qnet-htx/internal/frame"
	"github.com/qnetproto/qnet-htx/internal/logging"
	"github.com/qnetproto/qnet-htx/internal/metrics"
	"github.com/qnetproto/qnet-htx/internal/recovery"
	"github.com/qnetproto/qnet-htx/internal/transition"
)

const (
	// InitialWindow is the per-stream initial remote credit, in bytes.
	InitialWindow = 65536

	// ChunkSize is the maximum payload size of a single STREAM frame.
	ChunkSize = 4096

	// ControlStreamID is reserved for SignedControl messages.
	ControlStreamID uint32 = 0

	// keyUpdateOverlapFrames is how many frames under the old receive key
	// are accepted after a KEY_UPDATE before the window is discarded.
	keyUpdateOverlapFrames = 3
)

var (
	ErrClosed = errors.New("mux: connection closed")
)

// RotationPolicy bounds how long a single key may stay in force before the
// mux proactively rotates it: whichever of MaxFrames sent or MaxSeconds
// elapsed is reached first triggers a KeyUpdate, independent of any
// peer-initiated rotation. A zero value in either field disables that
// trigger; a zero RotationPolicy disables proactive rotation entirely.
type RotationPolicy struct {
	MaxFrames  uint64
	MaxSeconds time.Duration
}

// rotationState tracks progress toward a RotationPolicy's triggers.
type rotationState struct {
	mu                sync.Mutex
	policy            RotationPolicy
	framesSinceUpdate uint64
	lastUpdate        time.Time
	triggering        bool
}

func newRotationState() *rotationState {
	return &rotationState{lastUpdate: time.Now()}
}

func (rs *rotationState) setPolicy(p RotationPolicy) {
	rs.mu.Lock()
	rs.policy = p
	rs.framesSinceUpdate = 0
	rs.lastUpdate = time.Now()
	rs.mu.Unlock()
}

// due reports whether the policy's frame or time budget is exhausted, and if
// so claims the trigger (so concurrent callers don't both fire a rotation).
func (rs *rotationState) due(now time.Time) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.triggering {
		return false
	}
	hit := (rs.policy.MaxFrames > 0 && rs.framesSinceUpdate >= rs.policy.MaxFrames) ||
		(rs.policy.MaxSeconds > 0 && now.Sub(rs.lastUpdate) >= rs.policy.MaxSeconds)
	if hit {
		rs.triggering = true
	}
	return hit
}

func (rs *rotationState) onFrameSent() {
	rs.mu.Lock()
	rs.framesSinceUpdate++
	rs.mu.Unlock()
}

func (rs *rotationState) markUpdated() {
	rs.mu.Lock()
	rs.framesSinceUpdate = 0
	rs.lastUpdate = time.Now()
	rs.triggering = false
	rs.mu.Unlock()
}

type rxOldWindow struct {
	key       [32]byte
	counter   uint64
	remaining int
}

// Mux is one encrypted multiplexed connection over a raw byte transport.
type Mux struct {
	w io.Writer
	r io.Reader

	log *slog.Logger

	txMu      sync.Mutex
	txKey     [32]byte
	txCounter uint64

	rxMu      sync.Mutex
	rxKey     [32]byte
	rxCounter uint64
	rxOld     *rxOldWindow

	controlOpen atomic.Bool
	epoch       atomic.Uint64

	streamsMu    sync.Mutex
	streams      map[uint32]*Stream
	nextStreamID uint32
	idStep       uint32

	acceptCh chan *Stream
	controlCh chan transition.Signed

	metrics *metrics.Metrics
	rot     *rotationState

	closed    chan struct{}
	closeOnce sync.Once
}

// New wraps w/r (a raw byte transport, e.g. a net.Conn or an in-process
// pipe) with connection-level encryption state and starts the background
// reader. txKey/rxKey come from C6 inner key binding. isDialer selects the
// locally-allocated stream id parity (dialer odd, listener even) so both
// ends of a connection can open streams concurrently without colliding.
func New(w io.Writer, r io.Reader, txKey, rxKey [32]byte, isDialer bool, log *slog.Logger) *Mux {
	if log == nil {
		log = logging.NopLogger()
	}
	start := uint32(2)
	if isDialer {
		start = 1
	}
	m := &Mux{
		w:            w,
		r:            r,
		log:          log,
		txKey:        txKey,
		rxKey:        rxKey,
		streams:      make(map[uint32]*Stream),
		nextStreamID: start,
		idStep:       2,
		acceptCh:     make(chan *Stream, 16),
		controlCh:    make(chan transition.Signed, 4),
		rot:          newRotationState(),
		closed:       make(chan struct{}),
	}
	m.controlOpen.Store(true)
	go m.readLoop()
	go m.rotationLoop()
	return m
}

// SetMetrics attaches a metrics sink. Calling this is optional; with no
// sink attached, the mux simply doesn't record anything.
func (m *Mux) SetMetrics(mx *metrics.Metrics) {
	m.metrics = mx
}

// SetRotationPolicy installs the proactive key rotation trigger, resetting
// its frame/time counters to start fresh from now.
func (m *Mux) SetRotationPolicy(p RotationPolicy) {
	m.rot.setPolicy(p)
}

// rotationLoop wakes periodically to check RotationPolicy's MaxSeconds
// trigger even on an otherwise idle connection, where sendFrame's
// per-send check would never run.
func (m *Mux) rotationLoop() {
	defer recovery.RecoverWithLog(m.log, "mux.rotationLoop")
	const tick = time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.rot.due(time.Now()) {
				m.rotateNow()
			}
		case <-m.closed:
			return
		}
	}
}

// rotateNow performs the KeyUpdate a rotationState.due check already
// claimed. sendFrame runs it on its own goroutine so Write never blocks on
// the rotation it triggers; rotationLoop runs it inline on the ticker
// goroutine.
func (m *Mux) rotateNow() {
	if err := m.KeyUpdate(); err != nil {
		m.rot.markUpdated()
		m.log.Error("mux: proactive key rotation failed", logging.KeyError, err.Error())
	}
}

// OpenStream allocates a new locally-initiated stream, using this side's id
// parity so both ends of a connection can open streams without colliding.
func (m *Mux) OpenStream() *Stream {
	m.streamsMu.Lock()
	id := m.nextStreamID
	m.nextStreamID += m.idStep
	st := newStream(id, m)
	m.streams[id] = st
	m.streamsMu.Unlock()
	if m.metrics != nil {
		m.metrics.RecordStreamOpen(0)
	}
	return st
}

// AcceptStream waits up to timeout for a remotely-initiated stream. Returns
// nil if the timeout elapses first.
func (m *Mux) AcceptStream(timeout time.Duration) *Stream {
	select {
	case st := <-m.acceptCh:
		return st
	case <-time.After(timeout):
		return nil
	case <-m.closed:
		return nil
	}
}

// EncryptionEpoch returns the current monotonic rotation counter.
func (m *Mux) EncryptionEpoch() uint64 { return m.epoch.Load() }

// Close tears down the connection, releasing any writers blocked on credit.
func (m *Mux) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.closeStreams()
	})
	return nil
}

func (m *Mux) getOrCreateStream(id uint32) (*Stream, bool) {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()
	st, ok := m.streams[id]
	if ok {
		return st, false
	}
	st = newStream(id, m)
	m.streams[id] = st
	return st, true
}

func (m *Mux) lookupStream(id uint32) (*Stream, bool) {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()
	st, ok := m.streams[id]
	return st, ok
}

// Write sends data on stream id, splitting it into <=ChunkSize frames and
// blocking on each chunk until the peer has granted enough credit. While
// the rekey-close gate is shut, non-control STREAM frames are silently
// dropped instead of queued.
func (m *Mux) Write(id uint32, data []byte) error {
	st, _ := m.getOrCreateStream(id)
	for len(data) > 0 {
		n := len(data)
		if n > ChunkSize {
			n = ChunkSize
		}
		granted, err := st.waitCredit(n)
		if err != nil {
			return err
		}
		chunk := data[:granted]
		data = data[granted:]

		if id != ControlStreamID && !m.controlOpen.Load() {
			continue
		}
		payload := frame.EncodeStreamPayload(id, chunk)
		if err := m.sendFrame(frame.TypeStream, payload); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.RecordBytesSent("stream", len(chunk))
		}
	}
	return nil
}

// SendControl sends a signed control record on stream 0 and closes the
// rekey-close gate on this side.
func (m *Mux) SendControl(sc transition.Signed) error {
	b, err := encoding.Canonical(sc)
	if err != nil {
		return fmt.Errorf("mux: encode control: %w", err)
	}
	payload := frame.EncodeStreamPayload(ControlStreamID, b)
	if err := m.sendFrame(frame.TypeStream, payload); err != nil {
		return err
	}
	m.controlOpen.Store(false)
	if m.metrics != nil {
		m.metrics.SetControlGateClosed(true)
	}
	return nil
}

// ControlMessages exposes inbound SignedControl records observed on stream
// 0, for callers that want to react to transitions.
func (m *Mux) ControlMessages() <-chan transition.Signed { return m.controlCh }

// KeyUpdate sends a KEY_UPDATE frame under the current tx key, then rotates
// the tx key and reopens the rekey-close gate.
func (m *Mux) KeyUpdate() error {
	if err := m.sendFrame(frame.TypeKeyUpdate, nil); err != nil {
		return err
	}
	m.txMu.Lock()
	newKey, err := rotateKey(m.txKey)
	if err != nil {
		m.txMu.Unlock()
		return err
	}
	m.txKey = newKey
	m.txCounter = 0
	m.txMu.Unlock()
	newEpoch := m.epoch.Add(1)
	m.controlOpen.Store(true)
	m.rot.markUpdated()
	if m.metrics != nil {
		m.metrics.RecordKeyUpdateSent(newEpoch)
		m.metrics.SetControlGateClosed(false)
	}
	return nil
}

func rotateKey(old [32]byte) ([32]byte, error) {
	prk := aeadcrypto.HKDFExtract(old[:], []byte("qnet/mux/key_update/v1"))
	expanded, err := aeadcrypto.HKDFExpand(prk, []byte("key"), 32)
	if err != nil {
		return [32]byte{}, fmt.Errorf("mux: rotate key: %w", err)
	}
	var out [32]byte
	copy(out[:], expanded)
	return out, nil
}

// sendFrame encodes and writes one frame under txMu end to end: the wire
// write stays inside the lock so concurrent callers (application writes and
// a proactively-triggered KeyUpdate) can never land their bytes on the
// transport out of counter order.
func (m *Mux) sendFrame(typ frame.Type, payload []byte) error {
	m.txMu.Lock()
	wire, err := frame.Encode(frame.Frame{Type: typ, Payload: payload}, m.txKey, m.txCounter)
	if err != nil {
		m.txMu.Unlock()
		return err
	}
	m.txCounter++
	_, err = m.w.Write(wire)
	m.txMu.Unlock()
	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordFrameSent(typ.String())
	}
	if typ != frame.TypeKeyUpdate {
		m.rot.onFrameSent()
		if m.rot.due(time.Now()) {
			go m.rotateNow()
		}
	}
	return nil
}

func (m *Mux) sendWindowUpdate(id uint32, n uint32) {
	payload := frame.EncodeWindowUpdatePayload(id, n)
	if err := m.sendFrame(frame.TypeWindowUpdate, payload); err != nil {
		m.log.Debug("mux: window update send failed", logging.KeyError, err.Error())
	}
}

func readUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// readRawFrame reads one LEN||TYPE||CIPHERTEXT||TAG frame's raw bytes off
// the transport without attempting to open it, preserving the ability to
// resynchronize on a decrypt failure under either key candidate.
func readRawFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frame.HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	wireLen := readUint24(header[:3])
	if wireLen < 1 {
		return nil, fmt.Errorf("mux: invalid frame length %d", wireLen)
	}
	// LEN counts the TYPE byte, which is already part of header.
	body := make([]byte, wireLen-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

func (m *Mux) decodeRx(raw []byte) (frame.Frame, error) {
	m.rxMu.Lock()
	f, _, err := frame.Decode(raw, m.rxKey, m.rxCounter)
	if err == nil {
		m.rxCounter++
		m.rxMu.Unlock()
		return f, nil
	}
	if m.rxOld != nil && m.rxOld.remaining > 0 {
		f2, _, err2 := frame.Decode(raw, m.rxOld.key, m.rxOld.counter)
		if err2 == nil {
			m.rxOld.counter++
			m.rxOld.remaining--
			if m.rxOld.remaining == 0 {
				m.rxOld = nil
			}
			m.rxMu.Unlock()
			return f2, nil
		}
	}
	m.rxMu.Unlock()
	return frame.Frame{}, err
}

func (m *Mux) rotateRxKey() {
	m.rxMu.Lock()
	newKey, err := rotateKey(m.rxKey)
	if err != nil {
		m.rxMu.Unlock()
		m.log.Error("mux: rx key rotation failed", logging.KeyError, err.Error())
		return
	}
	m.rxOld = &rxOldWindow{key: m.rxKey, counter: m.rxCounter, remaining: keyUpdateOverlapFrames}
	m.rxKey = newKey
	m.rxCounter = 0
	m.rxMu.Unlock()
	m.epoch.Add(1)
}

func (m *Mux) readLoop() {
	defer recovery.RecoverWithLog(m.log, "mux.readLoop")
	for {
		raw, err := readRawFrame(m.r)
		if err != nil {
			m.Close()
			return
		}
		f, err := m.decodeRx(raw)
		if err != nil {
			m.log.Debug("mux: dropping undecodable frame", logging.KeyError, err.Error())
			continue
		}
		m.dispatch(f)
	}
}

func (m *Mux) dispatch(f frame.Frame) {
	if m.metrics != nil {
		m.metrics.RecordFrameReceived(f.Type.String())
	}
	switch f.Type {
	case frame.TypeStream:
		id, data, err := frame.DecodeStreamPayload(f.Payload)
		if err != nil {
			m.log.Debug("mux: malformed stream payload", logging.KeyError, err.Error())
			return
		}
		if id == ControlStreamID {
			var sc transition.Signed
			if err := encoding.Unmarshal(data, &sc); err == nil {
				m.controlOpen.Store(false)
				if m.metrics != nil {
					m.metrics.SetControlGateClosed(true)
				}
				select {
				case m.controlCh <- sc:
				default:
				}
			}
			return
		}
		st, created := m.getOrCreateStream(id)
		if created {
			if m.metrics != nil {
				m.metrics.RecordStreamOpen(0)
			}
			select {
			case m.acceptCh <- st:
			default:
			}
		}
		if m.metrics != nil {
			m.metrics.RecordBytesReceived("stream", len(data))
		}
		select {
		case st.inbound <- data:
		case <-m.closed:
		}
	case frame.TypeWindowUpdate:
		id, credit, err := frame.DecodeWindowUpdatePayload(f.Payload)
		if err != nil {
			m.log.Debug("mux: malformed window update", logging.KeyError, err.Error())
			return
		}
		if st, ok := m.lookupStream(id); ok {
			st.addRemoteCredit(int(credit))
		}
	case frame.TypeKeyUpdate:
		m.rotateRxKey()
		m.controlOpen.Store(true)
		if m.metrics != nil {
			m.metrics.RecordKeyUpdateReceived(m.epoch.Load())
			m.metrics.SetControlGateClosed(false)
		}
	case frame.TypePing:
		// liveness probe, no action required
	case frame.TypeClose:
		m.closeStreams()
	}
}

func (m *Mux) closeStreams() {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()
	for _, st := range m.streams {
		st.closeInbound()
		st.creditCond.Broadcast()
	}
	if m.metrics != nil && len(m.streams) > 0 {
		for range m.streams {
			m.metrics.RecordStreamClose()
		}
	}
}

// Stream is one multiplexed substream.
type Stream struct {
	id  uint32
	mux *Mux

	inbound chan []byte

	creditMu   sync.Mutex
	creditCond *sync.Cond
	credit     int

	closeOnce sync.Once
}

func newStream(id uint32, m *Mux) *Stream {
	st := &Stream{
		id:      id,
		mux:     m,
		inbound: make(chan []byte, 64),
		credit:  InitialWindow,
	}
	st.creditCond = sync.NewCond(&st.creditMu)
	return st
}

// ID returns the stream's identifier.
func (st *Stream) ID() uint32 { return st.id }

func (st *Stream) addRemoteCredit(n int) {
	st.creditMu.Lock()
	st.credit += n
	st.creditMu.Unlock()
	st.creditCond.Broadcast()
}

// waitCredit blocks until at least one byte of credit is available (or the
// connection closes), then reserves up to want bytes and returns how many
// were actually granted.
func (st *Stream) waitCredit(want int) (int, error) {
	st.creditMu.Lock()
	for st.credit <= 0 {
		select {
		case <-st.mux.closed:
			st.creditMu.Unlock()
			return 0, ErrClosed
		default:
		}
		st.creditCond.Wait()
	}
	n := want
	if st.credit < n {
		n = st.credit
	}
	st.credit -= n
	st.creditMu.Unlock()
	return n, nil
}

func (st *Stream) closeInbound() {
	st.closeOnce.Do(func() { close(st.inbound) })
}

// Read blocks until the next chunk of data arrives, ctx is cancelled, or
// the connection closes. On success, it emits a WINDOW_UPDATE returning
// the read byte count as credit to the peer.
func (st *Stream) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-st.inbound:
		if !ok {
			return nil, io.EOF
		}
		st.mux.sendWindowUpdate(st.id, uint32(len(data)))
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-st.mux.closed:
		return nil, ErrClosed
	}
}

// TryRead performs a non-blocking read.
func (st *Stream) TryRead() ([]byte, bool) {
	select {
	case data, ok := <-st.inbound:
		if !ok {
			return nil, false
		}
		st.mux.sendWindowUpdate(st.id, uint32(len(data)))
		return data, true
	default:
		return nil, false
	}
}

// Write writes data on this stream.
func (st *Stream) Write(data []byte) error {
	return st.mux.Write(st.id, data)
}
