package ezsp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EZSP frame IDs.
const (
	ezspVersion               uint16 = 0x0000
	ezspSetConfigurationValue uint16 = 0x0053
	ezspGetNetworkParameters  uint16 = 0x0028
	ezspNetworkInit           uint16 = 0x0017
	ezspFormNetwork           uint16 = 0x001E
	ezspPermitJoining         uint16 = 0x0022
	ezspSendUnicast           uint16 = 0x0034
	ezspSendMulticast         uint16 = 0x0038
	ezspGetEUI64              uint16 = 0x0026

	// Callbacks.
	ezspTrustCenterJoinHandler uint16 = 0x0024
	ezspIncomingMessageHandler uint16 = 0x0045
	ezspMessageSentHandler     uint16 = 0x003F
	ezspStackStatusHandler     uint16 = 0x0019

	// EZSP config IDs.
	ezspConfigStackProfile                uint8 = 0x0C
	ezspConfigSecurityLevel               uint8 = 0x0D
	ezspConfigMaxEndDeviceChildren        uint8 = 0x03
	ezspConfigMaxHops                     uint8 = 0x10
	ezspConfigSourceRouteTableSize        uint8 = 0x1A
	ezspConfigAddressTableSize            uint8 = 0x05

	ezspProtocolVersion = 13

	emberSuccess     = 0x00
	emberNetworkUp   = 0x90
	emberNetworkDown = 0x91

	emberApsOptionRetry                = 0x0040
	emberApsOptionEnableRouteDiscovery = 0x0100
)

// EZSPLayer handles EZSP command/response framing over ASH.
type EZSPLayer struct {
	ash   *ASHLayer
	seq   uint8
	seqMu sync.Mutex

	// Frame format: false = legacy 3-byte header, true = extended 5-byte
	// header. Starts legacy; flips to extended once version negotiation
	// confirms v8+.
	extendedFormat bool

	responseChan map[uint16]chan []byte
	responseMu   sync.Mutex

	callbackHandler func(frameID uint16, data []byte)
	callbackMu      sync.RWMutex

	stopChan chan struct{}
}

// NewEZSPLayer creates a new EZSP layer.
func NewEZSPLayer(ash *ASHLayer) *EZSPLayer {
	return &EZSPLayer{
		ash:          ash,
		responseChan: make(map[uint16]chan []byte),
		stopChan:     make(chan struct{}),
	}
}

// Start begins processing EZSP frames from ASH.
func (e *EZSPLayer) Start() {
	go e.readLoop()
}

// SetCallbackHandler sets the handler for async EZSP callbacks.
func (e *EZSPLayer) SetCallbackHandler(handler func(frameID uint16, data []byte)) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.callbackHandler = handler
}

// Close stops the EZSP layer.
func (e *EZSPLayer) Close() {
	close(e.stopChan)
}

// SendCommand sends an EZSP command and waits for the response.
func (e *EZSPLayer) SendCommand(frameID uint16, params []byte) ([]byte, error) {
	e.seqMu.Lock()
	seq := e.seq
	e.seq++
	e.seqMu.Unlock()

	ch := make(chan []byte, 1)
	e.responseMu.Lock()
	e.responseChan[frameID] = ch
	e.responseMu.Unlock()

	defer func() {
		e.responseMu.Lock()
		delete(e.responseChan, frameID)
		e.responseMu.Unlock()
	}()

	var frame []byte
	if e.extendedFormat {
		frame = make([]byte, 0, 5+len(params))
		frame = append(frame, seq)
		frame = append(frame, 0x01, 0x00)
		frame = append(frame, byte(frameID), byte(frameID>>8))
		frame = append(frame, params...)
	} else {
		frame = make([]byte, 0, 3+len(params))
		frame = append(frame, seq)
		frame = append(frame, 0x00)
		frame = append(frame, byte(frameID))
		frame = append(frame, params...)
	}

	log.Debug().Uint8("seq", seq).Uint16("frameID", frameID).Int("params_len", len(params)).Msg("EZSP TX command")

	if err := e.ash.SendData(frame); err != nil {
		return nil, fmt.Errorf("send EZSP command 0x%04X: %w", frameID, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("timeout waiting for EZSP response 0x%04X", frameID)
	case <-e.stopChan:
		return nil, fmt.Errorf("stopped")
	}
}

func (e *EZSPLayer) readLoop() {
	for {
		select {
		case <-e.stopChan:
			return
		case data := <-e.ash.RecvData():
			e.processFrame(data)
		}
	}
}

func (e *EZSPLayer) processFrame(data []byte) {
	var frameID uint16
	var params []byte
	var isCallback bool

	if e.extendedFormat {
		if len(data) < 5 {
			log.Debug().Int("len", len(data)).Msg("EZSP frame too short (extended)")
			return
		}
		frameID = binary.LittleEndian.Uint16(data[3:5])
		params = data[5:]
		isCallback = isCallbackFrameID(frameID)
	} else {
		if len(data) < 3 {
			log.Debug().Int("len", len(data)).Msg("EZSP frame too short (legacy)")
			return
		}
		frameControl := data[1]
		frameID = uint16(data[2])
		params = data[3:]
		isCallback = frameControl&0x04 != 0
	}

	log.Debug().Uint16("frameID", frameID).Bool("callback", isCallback).Int("params_len", len(params)).
		Str("raw_hex", hex.EncodeToString(data)).Msg("EZSP RX frame")

	if isCallback {
		e.callbackMu.RLock()
		handler := e.callbackHandler
		e.callbackMu.RUnlock()
		if handler != nil {
			handler(frameID, params)
		}
		return
	}

	e.responseMu.Lock()
	ch, ok := e.responseChan[frameID]
	e.responseMu.Unlock()

	if ok {
		select {
		case ch <- params:
		default:
		}
	}
}

func isCallbackFrameID(id uint16) bool {
	switch id {
	case ezspTrustCenterJoinHandler, ezspIncomingMessageHandler, ezspMessageSentHandler, ezspStackStatusHandler:
		return true
	default:
		return false
	}
}

// NegotiateVersion sends the EZSP version command and validates the
// response. If the NCP doesn't support the requested version, it replies
// with a single byte indicating the version it does support, and we
// retry at that version.
func (e *EZSPLayer) NegotiateVersion() (uint8, uint8, uint16, error) {
	desiredVersion := uint8(ezspProtocolVersion)

	e.seqMu.Lock()
	e.seq = 0
	e.seqMu.Unlock()

	resp, err := e.SendCommand(ezspVersion, []byte{desiredVersion})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("version negotiation: %w", err)
	}

	if len(resp) == 1 {
		ncpVersion := resp[0]
		log.Info().Uint8("requested", desiredVersion).Uint8("ncpSupports", ncpVersion).Msg("EZSP version mismatch, retrying with NCP version")

		if ncpVersion >= 8 {
			e.extendedFormat = true
		}

		resp, err = e.SendCommand(ezspVersion, []byte{ncpVersion})
		if err != nil {
			return 0, 0, 0, fmt.Errorf("version negotiation retry: %w", err)
		}
	}

	if len(resp) < 4 {
		return 0, 0, 0, fmt.Errorf("version response too short: %d bytes (raw: 0x%s)", len(resp), hex.EncodeToString(resp))
	}

	protocolVersion := resp[0]
	stackType := resp[1]
	stackVersion := binary.LittleEndian.Uint16(resp[2:4])

	log.Info().Uint8("protocol", protocolVersion).Uint8("stackType", stackType).Uint16("stackVersion", stackVersion).Msg("EZSP version negotiated")

	if protocolVersion >= 8 {
		e.extendedFormat = true
	}

	return protocolVersion, stackType, stackVersion, nil
}

// SetConfigValue sets an EZSP stack configuration value.
func (e *EZSPLayer) SetConfigValue(configID uint8, value uint16) error {
	params := []byte{configID, byte(value), byte(value >> 8)}
	resp, err := e.SendCommand(ezspSetConfigurationValue, params)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != emberSuccess {
		status := byte(0xFF)
		if len(resp) >= 1 {
			status = resp[0]
		}
		return fmt.Errorf("setConfigurationValue 0x%02X failed: status 0x%02X", configID, status)
	}
	return nil
}

// ConfigureStack sets up the NCP stack configuration for a coordinator.
func (e *EZSPLayer) ConfigureStack() error {
	configs := []struct {
		id    uint8
		value uint16
	}{
		{ezspConfigStackProfile, 2},
		{ezspConfigSecurityLevel, 5},
		{ezspConfigMaxEndDeviceChildren, 32},
		{ezspConfigAddressTableSize, 16},
		{ezspConfigSourceRouteTableSize, 16},
		{ezspConfigMaxHops, 30},
	}

	for _, cfg := range configs {
		if err := e.SetConfigValue(cfg.id, cfg.value); err != nil {
			log.Warn().Err(err).Uint8("configID", cfg.id).Msg("config value set failed (non-fatal)")
		}
	}

	return nil
}

// NetworkParams holds Zigbee network parameters.
type NetworkParams struct {
	NodeType      uint8
	ExtendedPanID [8]byte
	PanID         uint16
	RadioTxPower  int8
	RadioChannel  uint8
}

// GetNetworkParameters retrieves the current network state and parameters.
func (e *EZSPLayer) GetNetworkParameters() (uint8, *NetworkParams, error) {
	resp, err := e.SendCommand(ezspGetNetworkParameters, nil)
	if err != nil {
		return 0, nil, err
	}
	if len(resp) < 2 {
		return 0, nil, fmt.Errorf("network params response too short")
	}

	status := resp[0]
	nodeType := resp[1]

	var params NetworkParams
	if len(resp) >= 18 {
		copy(params.ExtendedPanID[:], resp[2:10])
		params.PanID = binary.LittleEndian.Uint16(resp[10:12])
		params.RadioTxPower = int8(resp[12])
		params.RadioChannel = resp[13]
	}
	params.NodeType = nodeType

	return status, &params, nil
}

// NetworkInit tries to resume an existing network.
func (e *EZSPLayer) NetworkInit() (uint8, error) {
	resp, err := e.SendCommand(ezspNetworkInit, []byte{0x00, 0x00})
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, fmt.Errorf("networkInit response empty")
	}
	return resp[0], nil
}

// FormNetwork creates a new Zigbee network.
func (e *EZSPLayer) FormNetwork(channel uint8, panID uint16, extPanID [8]byte) error {
	params := make([]byte, 0, 32)
	params = append(params, extPanID[:]...)
	params = append(params, byte(panID), byte(panID>>8))
	params = append(params, 3)
	params = append(params, channel)
	params = append(params, 0x00)
	params = append(params, 0xFF, 0xFF)
	params = append(params, 0x00)
	params = append(params, 0x00, 0x00, 0x00, 0x00)

	resp, err := e.SendCommand(ezspFormNetwork, params)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != emberSuccess {
		status := byte(0xFF)
		if len(resp) >= 1 {
			status = resp[0]
		}
		return fmt.Errorf("formNetwork failed: status 0x%02X", status)
	}

	log.Info().Uint8("channel", channel).Uint16("panID", panID).Msg("network formed")
	return nil
}

// PermitJoining enables or disables device joining.
func (e *EZSPLayer) PermitJoining(duration uint8) error {
	resp, err := e.SendCommand(ezspPermitJoining, []byte{duration})
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != emberSuccess {
		status := byte(0xFF)
		if len(resp) >= 1 {
			status = resp[0]
		}
		return fmt.Errorf("permitJoining failed: status 0x%02X", status)
	}
	return nil
}

// GetEUI64 retrieves the coordinator's IEEE address.
func (e *EZSPLayer) GetEUI64() ([8]byte, error) {
	resp, err := e.SendCommand(ezspGetEUI64, nil)
	if err != nil {
		return [8]byte{}, err
	}
	if len(resp) < 8 {
		return [8]byte{}, fmt.Errorf("EUI64 response too short: %d bytes", len(resp))
	}
	var eui [8]byte
	copy(eui[:], resp[:8])
	return eui, nil
}

// SendUnicast sends a unicast APS frame to a device's NWK address.
func (e *EZSPLayer) SendUnicast(nodeID uint16, profileID, clusterID uint16, srcEndpoint, dstEndpoint uint8, payload []byte) error {
	apsFrame := buildAPSFrame(profileID, clusterID, srcEndpoint, dstEndpoint, 0x0000)

	params := make([]byte, 0, 4+len(apsFrame)+2+len(payload))
	params = append(params, 0x00) // EMBER_OUTGOING_DIRECT
	params = append(params, byte(nodeID), byte(nodeID>>8))
	params = append(params, apsFrame...)
	params = append(params, 0x01)
	params = append(params, byte(len(payload)))
	params = append(params, payload...)

	resp, err := e.SendCommand(ezspSendUnicast, params)
	if err != nil {
		return err
	}
	return checkSendStatus(resp, "sendUnicast")
}

// SendMulticast sends an APS frame addressed to a Zigbee group.
func (e *EZSPLayer) SendMulticast(groupID uint16, profileID, clusterID uint16, srcEndpoint uint8, payload []byte) error {
	apsFrame := buildAPSFrame(profileID, clusterID, srcEndpoint, 0xFF, groupID)

	params := make([]byte, 0, len(apsFrame)+5+len(payload))
	params = append(params, apsFrame...)
	params = append(params, 0x05) // hops: default radius
	params = append(params, 0x00) // nonmemberRadius
	params = append(params, 0x01) // messageTag
	params = append(params, byte(len(payload)))
	params = append(params, payload...)

	resp, err := e.SendCommand(ezspSendMulticast, params)
	if err != nil {
		return err
	}
	return checkSendStatus(resp, "sendMulticast")
}

func buildAPSFrame(profileID, clusterID uint16, srcEndpoint, dstEndpoint uint8, groupID uint16) []byte {
	apsFrame := make([]byte, 0, 12)
	apsFrame = append(apsFrame, byte(profileID), byte(profileID>>8))
	apsFrame = append(apsFrame, byte(clusterID), byte(clusterID>>8))
	apsFrame = append(apsFrame, srcEndpoint)
	apsFrame = append(apsFrame, dstEndpoint)
	options := uint16(emberApsOptionRetry | emberApsOptionEnableRouteDiscovery)
	apsFrame = append(apsFrame, byte(options), byte(options>>8))
	apsFrame = append(apsFrame, byte(groupID), byte(groupID>>8))
	apsFrame = append(apsFrame, 0x00)
	return apsFrame
}

func checkSendStatus(resp []byte, op string) error {
	if len(resp) < 1 || resp[0] != emberSuccess {
		status := byte(0xFF)
		if len(resp) >= 1 {
			status = resp[0]
		}
		return fmt.Errorf("%s failed: status 0x%02X", op, status)
	}
	return nil
}
