package widgetsync

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// reserved state keys, extracted once at model creation
const (
	stateKeyModelName   = "_model_name"
	stateKeyModelModule = "_model_module"
)

// WidgetModel is the local cached mirror of one comm's remote object.
// The store owns all models exclusively. Treat returned models and their
// state as read only; mutate only through the store's own methods.
type WidgetModel struct {
	ModelId     string
	State       map[string]any
	Buffers     [][]byte
	ModelName   string
	ModelModule string
}

type StoreEventKind string

const (
	StoreEventCreated StoreEventKind = "created"
	StoreEventUpdated StoreEventKind = "updated"
	StoreEventDeleted StoreEventKind = "deleted"
)

type StoreEvent struct {
	Kind    StoreEventKind
	ModelId string
	// nil for `StoreEventDeleted`
	Model *WidgetModel
	// nil except for `StoreEventUpdated`
	ChangedKeys []string
}

type StoreChangeFunction = func(event *StoreEvent)
type ModelChangeFunction = func(model *WidgetModel, changedKeys []string)
type KeyChangeFunction = func(value any)
type CustomMessageFunction = func(content any, buffers [][]byte)

type customMessage struct {
	content any
	buffers [][]byte
}

type StoreSettings struct {
	// per model cap on buffered custom messages. Oldest are evicted first,
	// preserving the order of the retained suffix.
	CustomReplayLimit int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		CustomReplayLimit: 1000,
	}
}

// Store is an in-memory keyed registry of remote object state with
// whole-store, per-model, and per-key subscriptions, plus a side channel for
// transient custom messages with bounded replay.
//
// Every mutation replaces the backing map rather than mutating in place, so
// external change detection by reference equality works and snapshot reads
// are stable between emissions. Listener invocation is synchronous within the
// mutating call. Side effects are purely local.
type Store struct {
	settings *StoreSettings

	stateLock sync.Mutex

	models map[string]*WidgetModel

	// modelId -> buffered custom messages, oldest first
	customReplay map[string][]*customMessage

	changeCallbacks *CallbackList[StoreChangeFunction]
	// modelId -> callbacks
	modelCallbacks map[string]*CallbackList[ModelChangeFunction]
	// modelId -> key -> callbacks
	keyCallbacks map[string]map[string]*CallbackList[KeyChangeFunction]
	// modelId -> callbacks
	customCallbacks map[string]*CallbackList[CustomMessageFunction]
}

func NewStoreWithDefaults() *Store {
	return NewStore(DefaultStoreSettings())
}

func NewStore(settings *StoreSettings) *Store {
	return &Store{
		settings:        settings,
		models:          map[string]*WidgetModel{},
		customReplay:    map[string][]*customMessage{},
		changeCallbacks: NewCallbackList[StoreChangeFunction](),
		modelCallbacks:  map[string]*CallbackList[ModelChangeFunction]{},
		keyCallbacks:    map[string]map[string]*CallbackList[KeyChangeFunction]{},
		customCallbacks: map[string]*CallbackList[CustomMessageFunction]{},
	}
}

// CreateModel registers a model. Creation replaces any same-id entry.
// The model name and module are extracted once from the reserved state keys
// and never change afterward.
func (self *Store) CreateModel(modelId string, state map[string]any, buffers [][]byte) {
	if state == nil {
		state = map[string]any{}
	}
	modelName, _ := state[stateKeyModelName].(string)
	modelModule, _ := state[stateKeyModelModule].(string)
	model := &WidgetModel{
		ModelId:     modelId,
		State:       state,
		Buffers:     buffers,
		ModelName:   modelName,
		ModelModule: modelModule,
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		nextModels := maps.Clone(self.models)
		nextModels[modelId] = model
		self.models = nextModels
	}()

	glog.V(1).Infof("[store]create %s %s\n", modelId, modelName)
	self.changeEvent(&StoreEvent{
		Kind:    StoreEventCreated,
		ModelId: modelId,
		Model:   model,
	})
}

// UpdateModel shallow-merges the patch into the model state. Unpatched keys
// persist. The changed key set is the patch's own key set, not a value diff.
// An update for an unknown id is a no-op; the protocol assumes open precedes
// update, which this store does not re-verify.
func (self *Store) UpdateModel(modelId string, patch map[string]any, buffers [][]byte) {
	var model *WidgetModel
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		previous, ok := self.models[modelId]
		if !ok {
			return
		}
		nextState := maps.Clone(previous.State)
		for key, value := range patch {
			nextState[key] = value
		}
		model = &WidgetModel{
			ModelId:     modelId,
			State:       nextState,
			Buffers:     buffers,
			ModelName:   previous.ModelName,
			ModelModule: previous.ModelModule,
		}
		nextModels := maps.Clone(self.models)
		nextModels[modelId] = model
		self.models = nextModels
	}()
	if model == nil {
		glog.V(1).Infof("[store]update for unknown model %s dropped\n", modelId)
		return
	}

	changedKeys := maps.Keys(patch)
	slices.Sort(changedKeys)

	// notify only listeners registered for exactly the patched keys,
	// then per-model listeners, then whole-store listeners
	for _, key := range changedKeys {
		for _, callback := range self.keyCallbacksFor(modelId, key) {
			func() {
				defer func() {
					if r := recover(); r != nil {
						glog.Infof("[store]key callback panic = %v\n", r)
					}
				}()
				callback(model.State[key])
			}()
		}
	}
	for _, callback := range self.modelCallbacksFor(modelId) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[store]model callback panic = %v\n", r)
				}
			}()
			callback(model, changedKeys)
		}()
	}
	self.changeEvent(&StoreEvent{
		Kind:        StoreEventUpdated,
		ModelId:     modelId,
		Model:       model,
		ChangedKeys: changedKeys,
	})
}

// DeleteModel removes the model and releases all subscriptions and buffered
// custom messages keyed to it.
func (self *Store) DeleteModel(modelId string) {
	removed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.models[modelId]; !ok {
			return
		}
		removed = true
		nextModels := maps.Clone(self.models)
		delete(nextModels, modelId)
		self.models = nextModels

		delete(self.customReplay, modelId)
		delete(self.modelCallbacks, modelId)
		delete(self.keyCallbacks, modelId)
		delete(self.customCallbacks, modelId)
	}()
	if !removed {
		return
	}

	glog.V(1).Infof("[store]delete %s\n", modelId)
	self.changeEvent(&StoreEvent{
		Kind:    StoreEventDeleted,
		ModelId: modelId,
	})
}

func (self *Store) GetModel(modelId string) (*WidgetModel, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	model, ok := self.models[modelId]
	return model, ok
}

// Snapshot returns the current backing map. The map is never mutated after it
// is returned; mutations swap in a new map.
func (self *Store) Snapshot() map[string]*WidgetModel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.models
}

// AddChangeCallback subscribes to all store events.
// Returns an unsubscribe function.
func (self *Store) AddChangeCallback(callback StoreChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// AddModelCallback subscribes to updates of one model.
func (self *Store) AddModelCallback(modelId string, callback ModelChangeFunction) func() {
	var callbacks *CallbackList[ModelChangeFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callbacks = self.modelCallbacks[modelId]
		if callbacks == nil {
			callbacks = NewCallbackList[ModelChangeFunction]()
			self.modelCallbacks[modelId] = callbacks
		}
	}()
	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// AddKeyCallback subscribes to updates of one key of one model. The callback
// fires once per patch naming the key, with the new merged value.
func (self *Store) AddKeyCallback(modelId string, key string, callback KeyChangeFunction) func() {
	var callbacks *CallbackList[KeyChangeFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		keyCallbacks := self.keyCallbacks[modelId]
		if keyCallbacks == nil {
			keyCallbacks = map[string]*CallbackList[KeyChangeFunction]{}
			self.keyCallbacks[modelId] = keyCallbacks
		}
		callbacks = keyCallbacks[key]
		if callbacks == nil {
			callbacks = NewCallbackList[KeyChangeFunction]()
			keyCallbacks[key] = callbacks
		}
	}()
	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// EmitCustomMessage delivers a transient custom message for a model. The
// message is appended to the model's bounded replay buffer before delivery,
// so a subscriber that attaches later still receives it in order. Existing
// subscribers receive it synchronously.
func (self *Store) EmitCustomMessage(modelId string, content any, buffers [][]byte) {
	message := &customMessage{
		content: content,
		buffers: buffers,
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		replay := self.customReplay[modelId]
		if self.settings.CustomReplayLimit <= len(replay) {
			evict := len(replay) - self.settings.CustomReplayLimit + 1
			replay = slices.Clone(replay[evict:])
		}
		self.customReplay[modelId] = append(replay, message)
	}()

	for _, callback := range self.customCallbacksFor(modelId) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[store]custom callback panic = %v\n", r)
				}
			}()
			callback(message.content, message.buffers)
		}()
	}
}

// AddCustomMessageCallback subscribes to custom messages for a model. All
// buffered messages are replayed synchronously to the new subscriber, in
// emission order, before this returns.
func (self *Store) AddCustomMessageCallback(modelId string, callback CustomMessageFunction) func() {
	var callbacks *CallbackList[CustomMessageFunction]
	var replay []*customMessage
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callbacks = self.customCallbacks[modelId]
		if callbacks == nil {
			callbacks = NewCallbackList[CustomMessageFunction]()
			self.customCallbacks[modelId] = callbacks
		}
		replay = self.customReplay[modelId]
	}()

	for _, message := range replay {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[store]replay callback panic = %v\n", r)
				}
			}()
			callback(message.content, message.buffers)
		}()
	}

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *Store) changeEvent(event *StoreEvent) {
	for _, callback := range self.changeCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[store]change callback panic = %v\n", r)
				}
			}()
			callback(event)
		}()
	}
}

func (self *Store) modelCallbacksFor(modelId string) []ModelChangeFunction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := self.modelCallbacks[modelId]
	if callbacks == nil {
		return nil
	}
	return callbacks.Get()
}

func (self *Store) keyCallbacksFor(modelId string, key string) []KeyChangeFunction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keyCallbacks := self.keyCallbacks[modelId]
	if keyCallbacks == nil {
		return nil
	}
	callbacks := keyCallbacks[key]
	if callbacks == nil {
		return nil
	}
	return callbacks.Get()
}

func (self *Store) customCallbacksFor(modelId string) []CustomMessageFunction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := self.customCallbacks[modelId]
	if callbacks == nil {
		return nil
	}
	return callbacks.Get()
}
