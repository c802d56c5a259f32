package ezsp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
)

// ErrASHTimeout is returned by Connect/Reset when the NCP never answers
// with RSTACK before the connect deadline, distinct from aps.ErrOther so
// callers can retry a bare timeout differently from a hard transport
// failure.
var ErrASHTimeout = fmt.Errorf("%w: ASH RSTACK timeout", aps.ErrOther)

// ASH protocol constants.
const (
	ashFlagByte   = 0x7E
	ashEscapeByte = 0x7D
	ashXON        = 0x11
	ashXOFF       = 0x13
	ashFlipBit    = 0x20
	ashCancelByte = 0x1A
	ashSubstitute = 0x18

	ashFrameData   = 0x00
	ashFrameACK    = 0x80
	ashFrameNAK    = 0xA0
	ashFrameRST    = 0xC0
	ashFrameRSTACK = 0xC1
	ashFrameERROR  = 0xC2

	ashMaxFrameLen = 256
)

type ashState int

const (
	ashStateDisconnected ashState = iota
	ashStateResetPending
	ashStateConnected
)

// ASHLayer handles ASH framing over a serial connection.
type ASHLayer struct {
	serial         *SerialPort
	connectTimeout time.Duration
	state          ashState
	stateMu        sync.RWMutex

	sendSeq uint8
	recvSeq uint8
	seqMu   sync.Mutex

	pending   map[uint8][]byte
	pendingMu sync.Mutex

	recvChan chan []byte
	connChan chan struct{}

	stopChan chan struct{}
	stopped  bool
	stopMu   sync.Mutex
}

// defaultConnectTimeout is used when NewASHLayer is given timeout <= 0.
const defaultConnectTimeout = 5 * time.Second

// NewASHLayer creates a new ASH framing layer. connectTimeout bounds how
// long Connect/Reset wait for RSTACK; <= 0 takes defaultConnectTimeout.
func NewASHLayer(s *SerialPort, connectTimeout time.Duration) *ASHLayer {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &ASHLayer{
		serial:         s,
		connectTimeout: connectTimeout,
		state:          ashStateDisconnected,
		pending:        make(map[uint8][]byte),
		recvChan:       make(chan []byte, 16),
		connChan:       make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
	}
}

// Connect sends RST and waits for RSTACK to establish the ASH connection,
// bounded by both ctx and the layer's connectTimeout.
func (a *ASHLayer) Connect(ctx context.Context) error {
	a.stateMu.Lock()
	a.state = ashStateResetPending
	a.stateMu.Unlock()

	if err := a.sendRST(); err != nil {
		return fmt.Errorf("%w: send RST: %v", aps.ErrOther, err)
	}

	go a.readLoop()

	return a.awaitRSTACK(ctx)
}

func (a *ASHLayer) awaitRSTACK(ctx context.Context) error {
	timer := time.NewTimer(a.connectTimeout)
	defer timer.Stop()

	select {
	case <-a.connChan:
		log.Info().Msg("ASH connection established")
		return nil
	case <-timer.C:
		return ErrASHTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", aps.ErrOther, ctx.Err())
	case <-a.stopChan:
		return fmt.Errorf("%w: ASH layer stopped", aps.ErrOther)
	}
}

// SendData sends an EZSP payload wrapped in an ASH DATA frame.
func (a *ASHLayer) SendData(payload []byte) error {
	a.stateMu.RLock()
	if a.state != ashStateConnected {
		a.stateMu.RUnlock()
		return fmt.Errorf("ASH not connected")
	}
	a.stateMu.RUnlock()

	a.seqMu.Lock()
	seq := a.sendSeq
	a.sendSeq = (a.sendSeq + 1) & 0x07
	ack := a.recvSeq
	a.seqMu.Unlock()

	control := (seq << 4) | (ack & 0x07)
	frame := a.buildDataFrame(control, payload)

	a.pendingMu.Lock()
	a.pending[seq] = frame
	a.pendingMu.Unlock()

	log.Debug().Uint8("seq", seq).Uint8("ack", ack).Int("payload_len", len(payload)).Msg("ASH TX DATA")

	if _, err := a.serial.Write(frame); err != nil {
		return fmt.Errorf("write DATA frame: %w", err)
	}
	return nil
}

// RecvData returns the channel for receiving EZSP payloads.
func (a *ASHLayer) RecvData() <-chan []byte {
	return a.recvChan
}

// IsConnected returns true if the ASH layer is connected.
func (a *ASHLayer) IsConnected() bool {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state == ashStateConnected
}

// Close stops the ASH layer.
func (a *ASHLayer) Close() {
	a.stopMu.Lock()
	defer a.stopMu.Unlock()
	if !a.stopped {
		a.stopped = true
		close(a.stopChan)
	}
}

// Reset re-initiates the ASH handshake, required after an EZSP version
// mismatch since the NCP won't accept another version command until a
// full RST/RSTACK cycle completes.
func (a *ASHLayer) Reset(ctx context.Context) error {
	a.stateMu.Lock()
	a.state = ashStateResetPending
	a.stateMu.Unlock()

	log.Info().Msg("ASH reset requested")

	select {
	case <-a.connChan:
	default:
	}

	if err := a.sendRST(); err != nil {
		return fmt.Errorf("%w: send RST: %v", aps.ErrOther, err)
	}

	if err := a.awaitRSTACK(ctx); err != nil {
		return err
	}
	log.Info().Msg("ASH connection re-established after reset")
	return nil
}

func (a *ASHLayer) sendRST() error {
	if _, err := a.serial.Write([]byte{ashCancelByte}); err != nil {
		return err
	}

	raw := []byte{ashFrameRST}
	crc := crcCCITT(raw)
	raw = append(raw, byte(crc>>8), byte(crc&0xFF))

	frame := ashStuff(raw)
	frame = append(frame, ashFlagByte)

	log.Debug().Msg("ASH TX RST")

	_, err := a.serial.Write(frame)
	return err
}

func (a *ASHLayer) sendACK() error {
	a.seqMu.Lock()
	ack := a.recvSeq
	a.seqMu.Unlock()

	control := byte(ashFrameACK) | (ack & 0x07)
	raw := []byte{control}
	crc := crcCCITT(raw)
	raw = append(raw, byte(crc>>8), byte(crc&0xFF))

	frame := ashStuff(raw)
	frame = append(frame, ashFlagByte)

	_, err := a.serial.Write(frame)
	return err
}

func (a *ASHLayer) readLoop() {
	buf := make([]byte, 0, ashMaxFrameLen)

	for {
		select {
		case <-a.stopChan:
			return
		default:
		}

		b, err := a.serial.ReadByte()
		if err != nil {
			a.stopMu.Lock()
			stopped := a.stopped
			a.stopMu.Unlock()
			if stopped {
				return
			}
			log.Error().Err(err).Msg("ASH read error")
			continue
		}

		switch b {
		case ashCancelByte, ashSubstitute:
			buf = buf[:0]
			continue
		case ashXON, ashXOFF:
			continue
		case ashFlagByte:
			if len(buf) > 0 {
				a.processFrame(buf)
				buf = buf[:0]
			}
			continue
		}

		buf = append(buf, b)
		if len(buf) > ashMaxFrameLen {
			buf = buf[:0]
		}
	}
}

func (a *ASHLayer) processFrame(stuffed []byte) {
	raw := ashUnstuff(stuffed)

	if len(raw) < 3 {
		log.Debug().Int("len", len(raw)).Msg("ASH frame too short, discarding")
		return
	}

	payload := raw[:len(raw)-2]
	receivedCRC := uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1])
	computedCRC := crcCCITT(payload)

	if receivedCRC != computedCRC {
		log.Warn().Uint16("received", receivedCRC).Uint16("computed", computedCRC).Msg("ASH CRC mismatch")
		return
	}

	control := payload[0]

	switch {
	case control == ashFrameRSTACK:
		a.handleRSTACK(payload)
	case control == ashFrameERROR:
		log.Error().Hex("frame", payload).Msg("ASH ERROR frame received")
	case control&0x80 == ashFrameData:
		a.handleData(payload)
	case control&0xE0 == ashFrameACK:
		a.handleACK(control)
	case control&0xE0 == ashFrameNAK:
		a.handleNAK(control)
	default:
		log.Debug().Uint8("control", control).Msg("ASH unknown frame type")
	}
}

func (a *ASHLayer) handleRSTACK(payload []byte) {
	log.Info().Hex("payload", payload).Msg("ASH RSTACK received")

	a.seqMu.Lock()
	a.sendSeq = 0
	a.recvSeq = 0
	a.seqMu.Unlock()

	a.pendingMu.Lock()
	a.pending = make(map[uint8][]byte)
	a.pendingMu.Unlock()

	a.stateMu.Lock()
	a.state = ashStateConnected
	a.stateMu.Unlock()

	select {
	case a.connChan <- struct{}{}:
	default:
	}
}

func (a *ASHLayer) handleData(payload []byte) {
	control := payload[0]
	frmNum := (control >> 4) & 0x07
	npcAck := control & 0x07

	log.Debug().Uint8("frmNum", frmNum).Uint8("npcAck", npcAck).Int("payload_len", len(payload)-1).Msg("ASH RX DATA")

	a.pendingMu.Lock()
	for seq := range a.pending {
		if ashSeqLessThan(seq, npcAck) {
			delete(a.pending, seq)
		}
	}
	a.pendingMu.Unlock()

	a.seqMu.Lock()
	expected := a.recvSeq
	if frmNum == expected {
		a.recvSeq = (expected + 1) & 0x07
		a.seqMu.Unlock()

		if err := a.sendACK(); err != nil {
			log.Error().Err(err).Msg("failed to send ACK")
		}

		ezspData := make([]byte, len(payload)-1)
		copy(ezspData, payload[1:])

		select {
		case a.recvChan <- ezspData:
		default:
			log.Warn().Msg("ASH recv channel full, dropping frame")
		}
	} else {
		a.seqMu.Unlock()
		log.Warn().Uint8("expected", expected).Uint8("got", frmNum).Msg("ASH out-of-sequence DATA, sending NAK")
		a.sendNAK()
	}
}

func (a *ASHLayer) handleACK(control byte) {
	ackNum := control & 0x07
	log.Debug().Uint8("ack", ackNum).Msg("ASH RX ACK")

	a.pendingMu.Lock()
	for seq := range a.pending {
		if ashSeqLessThan(seq, ackNum) {
			delete(a.pending, seq)
		}
	}
	a.pendingMu.Unlock()
}

func (a *ASHLayer) handleNAK(control byte) {
	nakNum := control & 0x07
	log.Warn().Uint8("nak", nakNum).Msg("ASH RX NAK, retransmitting")

	a.pendingMu.Lock()
	frame, ok := a.pending[nakNum]
	a.pendingMu.Unlock()

	if ok {
		if _, err := a.serial.Write(frame); err != nil {
			log.Error().Err(err).Msg("ASH retransmit failed")
		}
	}
}

func (a *ASHLayer) sendNAK() {
	a.seqMu.Lock()
	ack := a.recvSeq
	a.seqMu.Unlock()

	control := byte(ashFrameNAK) | (ack & 0x07)
	raw := []byte{control}
	crc := crcCCITT(raw)
	raw = append(raw, byte(crc>>8), byte(crc&0xFF))

	frame := ashStuff(raw)
	frame = append(frame, ashFlagByte)

	if _, err := a.serial.Write(frame); err != nil {
		log.Error().Err(err).Msg("ASH NAK send failed")
	}
}

func (a *ASHLayer) buildDataFrame(control byte, payload []byte) []byte {
	raw := make([]byte, 0, len(payload)+3)
	raw = append(raw, control)
	raw = append(raw, payload...)

	crc := crcCCITT(raw)
	raw = append(raw, byte(crc>>8), byte(crc&0xFF))

	frame := ashStuff(raw)
	frame = append(frame, ashFlagByte)
	return frame
}

func ashStuff(data []byte) []byte {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		if b == ashFlagByte || b == ashEscapeByte || b == ashXON || b == ashXOFF || b == ashSubstitute || b == ashCancelByte {
			out = append(out, ashEscapeByte, b^ashFlipBit)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func ashUnstuff(data []byte) []byte {
	out := make([]byte, 0, len(data))
	escaped := false
	for _, b := range data {
		if escaped {
			out = append(out, b^ashFlipBit)
			escaped = false
		} else if b == ashEscapeByte {
			escaped = true
		} else {
			out = append(out, b)
		}
	}
	return out
}

func crcCCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func ashSeqLessThan(a, b uint8) bool {
	a &= 0x07
	b &= 0x07
	diff := (b - a) & 0x07
	return diff > 0 && diff <= 4
}
