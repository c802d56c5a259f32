// Package eventbus is the egress described in spec §4.2/§6: every
// resource mutation is turned into an Event and published onto an
// unbounded in-process queue that external collaborators (REST,
// WebSocket, rule engine — all out of scope here) consume.
//
// Grounded on kradalby/z2m-homekit/events/bus.go: a thin named-client
// wrapper around tailscale.com/util/eventbus, generalized from the
// HomeKit bridge's fixed client set to the gateway's own resource
// categories. Event carries the resource's ETag at publish time; the
// per-category aggregate ETag spec §4.2 describes is maintained in
// pkg/model (model.CategoryETag), which the HomeKit bridge has no
// equivalent of.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"tailscale.com/util/eventbus"
)

// ClientName identifies a named consumer of the bus, mirroring the
// teacher source's ClientDeviceManager/ClientHAP/... constants.
type ClientName string

const (
	ClientClassifier  ClientName = "classifier"
	ClientInterpreter ClientName = "interpreter"
	ClientGroupScene  ClientName = "groupscene"
	ClientDoorLock    ClientName = "doorlock"
	ClientPersistence ClientName = "persistence" // marks needs-save buckets dirty, spec §6
	ClientExternal    ClientName = "external"    // REST/WS/rule-engine consumers, out of scope here
)

// Prefix mirrors model.Prefix without importing pkg/model, keeping this
// package free of a dependency cycle.
type Prefix string

// Event is the typed change notification handed to external collaborators
// per spec §6: resource prefix, resource id, suffix, and the new value.
type Event struct {
	Prefix     Prefix
	ResourceID string
	Suffix     string
	Value      any
	ETag       string
}

// SceneCalledEvent is the synthetic egress event spec §6 calls out by
// name: "(groupId, sceneId)".
type SceneCalledEvent struct {
	GroupID uint16
	SceneID uint8
}

// Bus wraps tailscale's eventbus and provides helpers for publishing
// resource-change events and scene-called notifications.
type Bus struct {
	bus     *eventbus.Bus
	clients map[ClientName]*eventbus.Client
	mu      sync.RWMutex
}

// New constructs a Bus with the gateway's internal clients pre-registered.
func New() *Bus {
	b := &Bus{
		bus:     eventbus.New(),
		clients: make(map[ClientName]*eventbus.Client),
	}
	for _, name := range []ClientName{
		ClientClassifier, ClientInterpreter, ClientGroupScene, ClientDoorLock, ClientPersistence, ClientExternal,
	} {
		b.clients[name] = b.bus.Client(string(name))
	}
	log.Info().Int("client_count", len(b.clients)).Msg("event bus initialized")
	return b
}

// Client returns the named client handle, used by callers that want to
// subscribe directly via the underlying tailscale eventbus API.
func (b *Bus) Client(name ClientName) (*eventbus.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[name]
	if !ok {
		return nil, fmt.Errorf("eventbus: client %q not registered", name)
	}
	return c, nil
}

// Publish emits a resource-change event from the given client.
func (b *Bus) Publish(from ClientName, evt Event) {
	client, err := b.Client(from)
	if err != nil {
		log.Warn().Err(err).Msg("eventbus: publish from unknown client")
		return
	}
	pub := eventbus.Publish[Event](client)
	defer pub.Close()
	pub.Publish(evt)
}

// PublishSceneCalled emits the synthetic scene-called event spec §4.10
// requires on scene recall.
func (b *Bus) PublishSceneCalled(from ClientName, evt SceneCalledEvent) {
	client, err := b.Client(from)
	if err != nil {
		log.Warn().Err(err).Msg("eventbus: publish scene-called from unknown client")
		return
	}
	pub := eventbus.Publish[SceneCalledEvent](client)
	defer pub.Close()
	pub.Publish(evt)
}

// Subscriber receives Events published by any client, wrapping the
// underlying tailscale subscriber so callers don't import that package
// directly.
type Subscriber struct {
	sub *eventbus.Subscriber[Event]
}

// Events returns the channel of published Event values.
func (s *Subscriber) Events() <-chan Event { return s.sub.Events() }

// Close releases the subscription.
func (s *Subscriber) Close() { s.sub.Close() }

// Subscribe registers a new Event subscriber under the named client,
// spec §6's external collaborators consuming resource-change events —
// here used internally by the persistence worker to mark buckets dirty.
func (b *Bus) Subscribe(as ClientName) (*Subscriber, error) {
	client, err := b.Client(as)
	if err != nil {
		return nil, err
	}
	return &Subscriber{sub: eventbus.Subscribe[Event](client)}, nil
}

// Close releases every registered client.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, c := range b.clients {
		c.Close()
		delete(b.clients, name)
	}
}
