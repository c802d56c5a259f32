// Package doorlock implements the door-lock sub-protocol described in spec
// §4.11: lock/door state attribute mapping, a JSON-encoded PIN record
// array upserted from Read-PIN responses and pruned on Clear-PIN, and a
// human-readable decode of Operation-Event-Notification. Driven
// independently of pkg/interpreter, which defers the Door Lock cluster
// entirely. Grounded on original_source/doorlock.cpp's
// handleDoorLockClusterIndication and addTaskDoorLockPin.
package doorlock

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/classifier"
	"github.com/zigbee-gateway/gwcore/pkg/eventbus"
	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/task"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

const (
	attrLockState uint16 = 0x0000
	attrDoorState uint16 = 0x0003
)

var eventSources = []string{"keypad", "rf", "manual", "rfid"}

var eventCodes = []string{
	"Unknown", "Lock", "Unlock", "LockFailureInvalidPINorID", "LockFailureInvalidSchedule",
	"UnlockFailureInvalidPINorID", "UnlockFailureInvalidSchedule", "OneTouchLock", "KeyLock",
	"KeyUnlock", "AutoLock", "ScheduleLock", "ScheduleUnlock", "Manual Lock", "Manual Unlock",
	"Non-Access User Operational Event",
}

var doorStateNames = []string{"open", "closed", "error jammed", "error forced open", "error unspecified"}

// PinEntry is one row of the JSON-encoded array kept in state/pin.
type PinEntry struct {
	ID     uint16 `json:"id"`
	Status uint8  `json:"status"`
	Type   uint8  `json:"type"`
	Code   string `json:"code"`
}

// TaskEnqueuer is the narrow dependency on pkg/task's Scheduler shared by
// pkg/binding and pkg/groupscene.
type TaskEnqueuer interface {
	Enqueue(it *task.Item, now time.Time) bool
}

// Handler decodes Door Lock cluster (0x0101) indications and issues
// PIN-management requests.
type Handler struct {
	classifier *classifier.Classifier
	bus        *eventbus.Bus
	sched      TaskEnqueuer
}

func New(c *classifier.Classifier, bus *eventbus.Bus, sched TaskEnqueuer) *Handler {
	return &Handler{classifier: c, bus: bus, sched: sched}
}

// Dispatch decodes one APS indication if it targets the Door Lock cluster;
// every other indication is ignored.
func (h *Handler) Dispatch(ind aps.Indication, now time.Time) {
	if ind.ClusterID != zcl.ClusterDoorLock {
		return
	}
	hdr, payload, err := zcl.ParseHeader(ind.ASDU)
	if err != nil {
		log.Debug().Err(err).Msg("doorlock: malformed ZCL frame, dropping")
		return
	}

	extAddr, ok := ind.Src.IEEEOrZero()
	if !ok {
		return
	}
	s := h.sensor(extAddr, ind.SrcEp)
	if s == nil {
		return
	}

	if hdr.FrameType == zcl.FrameTypeGlobal {
		h.handleAttributes(s, hdr, payload, now)
		return
	}
	h.handleCommand(s, hdr, payload, now)
}

func (h *Handler) sensor(extAddr uint64, endpoint uint8) *model.Sensor {
	for _, s := range h.classifier.SensorsByAddr(extAddr, endpoint) {
		if s.Type == string(classifier.SensorDoorLock) {
			return s
		}
	}
	return nil
}

func (h *Handler) handleAttributes(s *model.Sensor, hdr zcl.Header, payload []byte, now time.Time) {
	var reports []zcl.AttributeReport
	var err error
	switch hdr.CommandID {
	case zcl.CmdReadAttributesResponse:
		reports, err = zcl.DecodeReadAttributesResponse(payload)
	case zcl.CmdReportAttributes:
		reports, err = zcl.DecodeReportAttributes(payload)
	default:
		return
	}
	if err != nil {
		log.Debug().Err(err).Msg("doorlock: bad attribute frame")
		return
	}

	for _, r := range reports {
		if r.Status != zcl.StatusSuccess {
			continue
		}
		switch r.AttrID {
		case attrLockState:
			h.applyLockState(s, uint8(r.Value.Uint), now)
		case attrDoorState:
			h.applyDoorState(s, uint8(r.Value.Uint), now)
		}
	}
}

func (h *Handler) applyLockState(s *model.Sensor, raw uint8, now time.Time) {
	str := "undefined"
	locked := false
	switch raw {
	case 0:
		str = "not fully locked"
	case 1:
		str = "locked"
		locked = true
	case 2:
		str = "unlocked"
	}

	s.AddItem(model.ItemDescriptor{Suffix: "config/lock", DataType: model.DataTypeBool})
	s.AddItem(model.ItemDescriptor{Suffix: "state/lockstate", DataType: model.DataTypeString})
	h.write(s, "config/lock", model.BoolValue(locked), now)
	h.write(s, "state/lockstate", model.StringValue(str), now)
}

func (h *Handler) applyDoorState(s *model.Sensor, raw uint8, now time.Time) {
	str := "undefined"
	if int(raw) < len(doorStateNames) {
		str = doorStateNames[raw]
	}
	s.AddItem(model.ItemDescriptor{Suffix: "state/doorstate", DataType: model.DataTypeString})
	h.write(s, "state/doorstate", model.StringValue(str), now)
}

func (h *Handler) handleCommand(s *model.Sensor, hdr zcl.Header, payload []byte, now time.Time) {
	switch hdr.CommandID {
	case zcl.CmdDoorLockSetPin:
		status, err := zcl.DecodeSetPinResponse(payload)
		if err != nil {
			return
		}
		log.Debug().Uint8("status", status).Str("sensor", s.ID).Msg("doorlock: set-pin response")

	case zcl.CmdDoorLockClearPin:
		status, err := zcl.DecodeClearPinResponse(payload)
		if err != nil {
			return
		}
		log.Debug().Uint8("status", status).Str("sensor", s.ID).Msg("doorlock: clear-pin response")

	case zcl.CmdDoorLockReadPin:
		f, err := zcl.DecodeReadPinResponse(payload)
		if err != nil {
			log.Debug().Err(err).Msg("doorlock: bad read-pin response")
			return
		}
		h.upsertPin(s, f, now)

	case zcl.CmdDoorLockOperationEventNotification:
		f, err := zcl.DecodeOperationEventNotification(payload)
		if err != nil {
			log.Debug().Err(err).Msg("doorlock: bad operation-event-notification")
			return
		}
		h.applyNotification(s, f, now)
	}
}

// RemovePin drops userID's record from state/pin, spec §4.11's "delete on
// Clear-PIN" — the task scheduler's confirm path calls this once a
// Clear-PIN command this gateway issued is actually acknowledged.
func (h *Handler) RemovePin(s *model.Sensor, userID uint16, now time.Time) {
	entries := h.readPinEntries(s)
	out := entries[:0]
	for _, e := range entries {
		if e.ID != userID {
			out = append(out, e)
		}
	}
	h.writePinEntries(s, out, now)
}

func (h *Handler) upsertPin(s *model.Sensor, f zcl.ReadPinFields, now time.Time) {
	entries := h.readPinEntries(s)

	found := false
	for i := range entries {
		if entries[i].ID == f.UserID {
			entries[i].Status = f.Status
			entries[i].Type = f.Type
			entries[i].Code = f.Code
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, PinEntry{ID: f.UserID, Status: f.Status, Type: f.Type, Code: f.Code})
	}
	h.writePinEntries(s, entries, now)
}

func (h *Handler) readPinEntries(s *model.Sensor) []PinEntry {
	s.AddItem(model.ItemDescriptor{Suffix: "state/pin", DataType: model.DataTypeString})
	item := s.Item("state/pin")
	if item == nil || item.ToString() == "" {
		return nil
	}
	var entries []PinEntry
	if err := json.Unmarshal([]byte(item.ToString()), &entries); err != nil {
		log.Debug().Err(err).Str("sensor", s.ID).Msg("doorlock: corrupt state/pin, resetting")
		return nil
	}
	return entries
}

func (h *Handler) writePinEntries(s *model.Sensor, entries []PinEntry, now time.Time) {
	if entries == nil {
		entries = []PinEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	h.write(s, "state/pin", model.StringValue(string(data)), now)
}

func (h *Handler) applyNotification(s *model.Sensor, f zcl.OperationEventFields, now time.Time) {
	s.AddItem(model.ItemDescriptor{Suffix: "state/notification", DataType: model.DataTypeString})

	source := "unknown"
	if int(f.Source) < len(eventSources) {
		source = eventSources[f.Source]
	}
	code := "unknown"
	if int(f.Code) < len(eventCodes) {
		code = eventCodes[f.Code]
	}

	text := fmt.Sprintf("source:%s, code:%s, pin:%04d", source, code, f.PIN)
	h.write(s, "state/notification", model.StringValue(text), now)
}

func (h *Handler) write(s *model.Sensor, suffix string, v model.Value, now time.Time) {
	if changed, item := s.Touch(suffix, v, now); changed {
		h.bus.Publish(eventbus.ClientDoorLock, eventbus.Event{
			Prefix: eventbus.Prefix(s.Prefix), ResourceID: s.ID, Suffix: suffix,
			Value: item.Value().Any(), ETag: s.ETag(),
		})
	}
}

// SetPin enqueues a Set-PIN request, writing or updating a credential on
// the lock.
func (h *Handler) SetPin(s *model.Sensor, userID uint16, status, userType uint8, code string, now time.Time) {
	h.enqueueCommand(s, zcl.CmdDoorLockSetPin, zcl.EncodeSetPin(userID, status, userType, code), now)
}

// ReadPin enqueues a Read-PIN request for userID.
func (h *Handler) ReadPin(s *model.Sensor, userID uint16, now time.Time) {
	h.enqueueCommand(s, zcl.CmdDoorLockReadPin, zcl.EncodeReadPin(userID), now)
}

// ClearPin enqueues a Clear-PIN request for userID.
func (h *Handler) ClearPin(s *model.Sensor, userID uint16, now time.Time) {
	h.enqueueCommand(s, zcl.CmdDoorLockClearPin, zcl.EncodeClearPin(userID), now)
}

func (h *Handler) enqueueCommand(s *model.Sensor, zclCmd uint8, payload []byte, now time.Time) {
	hdr := zcl.Header{FrameType: zcl.FrameTypeClusterSpecific, SeqNumber: zcl.NextSeq(), CommandID: zclCmd}
	frame := zcl.EncodeFrame(hdr, payload)
	h.sched.Enqueue(&task.Item{
		Kind:        task.KindCommand,
		Dst:         aps.Address{Mode: aps.AddressModeIEEE, IEEE: s.ExtAddr},
		DstEndpoint: s.Endpoint,
		ProfileID:   zcl.ProfileHA,
		ClusterID:   zcl.ClusterDoorLock,
		Payload:     frame,
	}, now)
}
