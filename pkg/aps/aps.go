// Package aps defines the thin boundary the core consumes from the
// Zigbee stack, per spec §4.1/§6: submit an outgoing request, receive
// indications and confirms, and query the node table. The adapter does
// not understand ZCL — it moves bytes and addresses only.
package aps

import (
	"context"
	"errors"
)

// AddressMode selects how a Request/Indication is addressed.
type AddressMode int

const (
	AddressModeGroup AddressMode = iota
	AddressModeNWK
	AddressModeIEEE
)

// Address is a destination/source address tagged with its mode, mirroring
// spec §6: "addressing that is group/ext/nwk-tagged".
type Address struct {
	Mode AddressMode
	NWK  uint16
	IEEE uint64
}

// SubmitStatus is the outcome of a Submit call, spec §4.1.
type SubmitStatus int

const (
	Success SubmitStatus = iota
	ErrorNodeIsZombie
	ErrorOther
)

// ErrNodeIsZombie is returned by Submit when the destination router is
// marked zombie; ErrOther covers any other transport failure. Both cause
// the caller (task scheduler) to drop the task per spec §7.
var (
	ErrNodeIsZombie = errors.New("aps: destination node is zombie")
	ErrOther        = errors.New("aps: submit failed")
)

// Request is an outgoing APS request envelope.
type Request struct {
	Dst       Address
	SrcEp     uint8
	DstEp     uint8
	ProfileID uint16
	ClusterID uint16
	Payload   []byte
	// TxOptions carries options such as APS-ACK requirement; opaque to
	// the adapter interface and interpreted by the concrete adapter.
	TxOptions uint8
}

// IEEEOrZero returns the address's IEEE field and true when it is
// IEEE-tagged. Callers that need to key off extended address (classifier
// lookups, NodeValue caches) use this rather than reading Address.IEEE
// directly, since an NWK- or group-tagged Address carries no IEEE value.
func (a Address) IEEEOrZero() (uint64, bool) {
	if a.Mode != AddressModeIEEE {
		return 0, false
	}
	return a.IEEE, true
}

// RequestID identifies a submitted request for later confirm matching.
type RequestID uint32

// Indication is an incoming APS frame, profile/cluster tagged but not ZCL
// decoded.
type Indication struct {
	Src       Address
	Dst       Address
	SrcEp     uint8
	DstEp     uint8
	ProfileID uint16
	ClusterID uint16
	ASDU      []byte
}

// Confirm reports the outcome of a previously submitted request.
type Confirm struct {
	ID      RequestID
	Status  SubmitStatus
	DstMode AddressMode
	Dst     Address
}

// NodeEventKind enumerates node-table change notifications, spec §6.
type NodeEventKind int

const (
	NodeAdded NodeEventKind = iota
	NodeRemoved
	NodeZombieChanged
	NodeClusterDataUpdated
)

// ClusterDataUpdateKind distinguishes the two ways attribute data can
// arrive for UpdatedClusterData, spec §6.
type ClusterDataUpdateKind int

const (
	ClusterDataByZclRead ClusterDataUpdateKind = iota
	ClusterDataByZclReport
)

// NodeEvent reports a node-table change.
type NodeEvent struct {
	Kind       NodeEventKind
	Node       NodeDescriptor
	UpdateKind ClusterDataUpdateKind
}

// SimpleDescriptor is one endpoint's ZDP simple descriptor.
type SimpleDescriptor struct {
	Endpoint    uint8
	ProfileID   uint16
	DeviceID    uint16
	InClusters  []uint16
	OutClusters []uint16
}

// NodeDescriptor is a snapshot row from the stack's node table, spec §4.1
// "nodes() (snapshot of stack node table with endpoint lists, node
// descriptors, zombie flags)".
type NodeDescriptor struct {
	IEEE             uint64
	NWK              uint16
	Zombie           bool
	ReceiverOnIdle   bool // false => end device, relevant to poll/reachability
	Endpoints        []SimpleDescriptor
	ActiveEndpoints  []uint8
}

// ParameterKind selects which adapter-held parameter GetParameter reads.
type ParameterKind int

const (
	ParamMacAddress ParameterKind = iota
	ParamNWKAddress
	ParamChannel
	ParamNetworkKey
	ParamTrustCenterLinkKey
)

// NetworkState is the adapter's current join state, spec §4.1.
type NetworkState int

const (
	NotInNetwork NetworkState = iota
	InNetwork
	Connecting
)

// Adapter is the pure boundary the rest of the core depends on. Every
// concrete implementation (e.g. pkg/aps/ezsp) must be safe for concurrent
// use by the single dispatch loop described in spec §5.
type Adapter interface {
	Submit(ctx context.Context, req Request) (RequestID, SubmitStatus, error)
	NextIndication(ctx context.Context) (Indication, error)
	NextConfirm(ctx context.Context) (Confirm, error)
	Nodes() []NodeDescriptor
	GetParameter(kind ParameterKind) (any, error)
	NetworkState() NetworkState
	SetNetworkState(desired NetworkState) error
}

// NodeEventSource is implemented by adapters that additionally surface
// node-table change notifications (join/leave/zombie/cluster-data), spec
// §6. Kept separate from Adapter so a fake Adapter need not implement
// NextNodeEvent.
type NodeEventSource interface {
	NextNodeEvent(ctx context.Context) (NodeEvent, error)
}
