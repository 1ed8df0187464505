// A collection of event names and common methods used to handle the events. Services
// dispatch events on the bus, and interested parties (the REST gateway, the history
// ledger, tests) subscribe to them without the services knowing who is listening.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/hbomb79/Clipsync/pkg/logger"
)

var log = logger.Get("EventBus")

type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		mutex        sync.RWMutex
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
		validators   map[Event]reflect.Type
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	// Payload: uuid.UUID of the artifact
	ArtifactUpdateEvent Event = "artifact:update"

	// Payload: download.Progress
	DownloadProgressEvent Event = "download:progress"

	// Payload: pipeline.DownloadOutcome
	DownloadCompleteEvent Event = "download:complete"
	DownloadFailedEvent   Event = "download:failed"

	// Payload: pipeline.Report
	UploadCompleteEvent Event = "upload:complete"
	UploadFailedEvent   Event = "upload:failed"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
		validators: map[Event]reflect.Type{
			ArtifactUpdateEvent: reflect.TypeOf(uuid.UUID{}),
		},
	}
}

// RegisterPayloadType restricts the payloads accepted for the event to
// the type of the example provided. Packages which own a payload type
// register it so that the bus does not need to import them.
func RegisterPayloadType(bus EventCoordinator, event Event, example any) {
	if handler, ok := bus.(*eventHandler); ok {
		handler.mutex.Lock()
		defer handler.mutex.Unlock()

		handler.validators[event] = reflect.TypeOf(example)
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send Event messages on
// the channel any time a Dispatch for the provided event occurs.
// This method can be used multiple times for different events on the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message on the handler channel,
// then the thread dispatching the event will also be BLOCKED. Buffer handler channels
// appropriately to avoid dispatcher-side blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	handler.mutex.Lock()
	defer handler.mutex.Unlock()

	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will be
// called with the payload whenever the event is dispatched.
// The handle provided should be guaranteed to return quickly, else the thread calling
// Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction is like RegisterHandlerFunction, however the handle is
// called inside of a new goroutine.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.mutex.Lock()
	defer handler.mutex.Unlock()

	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and delivers the payload to every
// handler registered for the event.
// Note that this method WILL block if a synchronous handler function is blocking, or if channel
// handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	handler.mutex.RLock()
	defer handler.mutex.RUnlock()

	if err := handler.validatePayload(event, payload); err != nil {
		log.Emit(logger.FATAL, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	for _, handle := range handler.fnHandlers[event] {
		if handle.async {
			go handle.handle(event, payload)
		} else {
			handle.handle(event, payload)
		}
	}

	if handles, ok := handler.chanHandlers[event]; ok {
		msg := HandlerEvent{event, payload}
		for _, handle := range handles {
			handle <- msg
		}
	}
}

// validatePayload ensures that the payload provided is valid for the event specified. An error
// will be returned if the payload is not valid, and the event should not be sent to the registered
// handlers in this case.
func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	expected, ok := handler.validators[event]
	if !ok {
		return errors.New("event type not recognized for validation")
	}

	if actual := reflect.TypeOf(payload); actual != expected {
		return fmt.Errorf("illegal payload (type %v) for %s event. Expected %v payload", actual, event, expected)
	}

	return nil
}
