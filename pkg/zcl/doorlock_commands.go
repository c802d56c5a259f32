package zcl

import (
	"encoding/binary"
	"fmt"
)

// Door Lock cluster (0x0101) command IDs, spec §4.11.
const (
	CmdDoorLockSetPin                    uint8 = 0x05
	CmdDoorLockReadPin                    uint8 = 0x06
	CmdDoorLockClearPin                   uint8 = 0x07
	CmdDoorLockOperationEventNotification uint8 = 0x20
	CmdDoorLockProgrammingEventNotification uint8 = 0x21
)

// EncodeSetPin builds a Door Lock/Set-PIN request payload: userId, status,
// type, then a length-prefixed code.
func EncodeSetPin(userID uint16, status, userType uint8, code string) []byte {
	out := make([]byte, 4, 4+len(code))
	binary.LittleEndian.PutUint16(out, userID)
	out[2] = status
	out[3] = userType
	out = append(out, byte(len(code)))
	return append(out, code...)
}

// EncodeReadPin builds a Door Lock/Read-PIN request payload: just userId.
func EncodeReadPin(userID uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, userID)
	return out
}

// EncodeClearPin builds a Door Lock/Clear-PIN request payload: just userId.
func EncodeClearPin(userID uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, userID)
	return out
}

// DecodeSetPinResponse parses a Set-PIN response's single status byte.
func DecodeSetPinResponse(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("zcl: set-pin response too short")
	}
	return data[0], nil
}

// DecodeClearPinResponse parses a Clear-PIN response's single status byte.
func DecodeClearPinResponse(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("zcl: clear-pin response too short")
	}
	return data[0], nil
}

// ReadPinFields is the decoded body of a Read-PIN response.
type ReadPinFields struct {
	UserID uint16
	Status uint8
	Type   uint8
	Code   string
}

// DecodeReadPinResponse parses a Read-PIN response: userId, status, type,
// then a code whose length is derived from the remaining payload rather
// than a length byte (the device's own length-prefix byte, if present, is
// skipped in favour of the actual remaining byte count).
func DecodeReadPinResponse(data []byte) (ReadPinFields, error) {
	var f ReadPinFields
	if len(data) < 4 {
		return f, fmt.Errorf("zcl: read-pin response too short")
	}
	f.UserID = binary.LittleEndian.Uint16(data[0:])
	f.Status = data[2]
	f.Type = data[3]

	rest := data[4:]
	if len(rest) > 1 {
		// rest[0] is the device's own code-length byte; trust the actual
		// payload length instead, matching the original implementation.
		code := rest[1:]
		f.Code = string(code)
	}
	return f, nil
}

// OperationEventFields is the decoded body of an Operation-Event-
// Notification, spec §4.11.
type OperationEventFields struct {
	Source uint8
	Code   uint8
	UserID uint16
	PIN    uint8
	LocalTime uint8
}

// DecodeOperationEventNotification parses a Door Lock/Operation-Event-
// Notification command payload.
func DecodeOperationEventNotification(data []byte) (OperationEventFields, error) {
	var f OperationEventFields
	if len(data) < 6 {
		return f, fmt.Errorf("zcl: operation-event-notification too short")
	}
	f.Source = data[0]
	f.Code = data[1]
	f.UserID = binary.LittleEndian.Uint16(data[2:])
	f.PIN = data[4]
	f.LocalTime = data[5]
	return f, nil
}
