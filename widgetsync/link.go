package widgetsync

import (
	"sync"

	"github.com/golang/glog"
)

// model names that declare a property link
const (
	linkModelName            = "LinkModel"
	directionalLinkModelName = "DirectionalLinkModel"
)

// link state machine: unresolved -> active -> torn down
type linkPhase int

const (
	linkUnresolved linkPhase = iota
	linkActive
	linkTornDown
)

type linkEndpoint struct {
	modelId   string
	attribute string
}

type linkState struct {
	linkId        string
	bidirectional bool
	phase         linkPhase

	source linkEndpoint
	target linkEndpoint

	// same-tick reentrancy flag. While a value propagates in one direction
	// the opposite-direction listener observes the flag and stops, so a
	// bidirectional link terminates after exactly one hop each way.
	// Listener dispatch is synchronous within the store mutation, so no
	// lock is needed around it.
	propagating bool

	subs []func()
}

// LinkManager watches the store for declarative link models and mirrors a
// property from one model to another, one way or two way, whenever both
// referenced models exist.
//
// Resolution has no timeout and no failure signal: a link whose endpoints
// never materialize is retried on every store-wide change, indefinitely, and
// simply never activates.
type LinkManager struct {
	store *Store

	stateLock sync.Mutex
	// link model id -> state
	links map[string]*linkState

	unsub func()
}

func NewLinkManager(store *Store) *LinkManager {
	manager := &LinkManager{
		store: store,
		links: map[string]*linkState{},
	}
	manager.unsub = store.AddChangeCallback(manager.storeChanged)
	return manager
}

func (self *LinkManager) Close() {
	if self.unsub != nil {
		self.unsub()
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, link := range self.links {
		self.tearDown(link)
	}
	self.links = map[string]*linkState{}
}

func (self *LinkManager) storeChanged(event *StoreEvent) {
	switch event.Kind {
	case StoreEventCreated:
		switch event.Model.ModelName {
		case linkModelName:
			self.trackLink(event.ModelId, event.Model, true)
		case directionalLinkModelName:
			self.trackLink(event.ModelId, event.Model, false)
		}
		// a new model may be the missing endpoint of an unresolved link
		self.resolveAll()
	case StoreEventUpdated:
		self.resolveAll()
	case StoreEventDeleted:
		self.untrackLink(event.ModelId)
	}
}

func (self *LinkManager) trackLink(linkId string, model *WidgetModel, bidirectional bool) {
	source, sourceOk := parseEndpoint(model.State["source"])
	target, targetOk := parseEndpoint(model.State["target"])
	if !sourceOk || !targetOk {
		glog.Infof("[link]%s malformed endpoints, ignoring\n", linkId)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.links[linkId]; ok {
		return
	}
	self.links[linkId] = &linkState{
		linkId:        linkId,
		bidirectional: bidirectional,
		phase:         linkUnresolved,
		source:        source,
		target:        target,
	}
	glog.V(1).Infof("[link]%s tracked %s.%s -> %s.%s\n",
		linkId, source.modelId, source.attribute, target.modelId, target.attribute)
}

// untrackLink tears down a link's subscriptions when the link model is
// deleted, whether or not resolution ever completed.
func (self *LinkManager) untrackLink(linkId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	link, ok := self.links[linkId]
	if !ok {
		return
	}
	self.tearDown(link)
	delete(self.links, linkId)
}

// must be called with `stateLock`
func (self *LinkManager) tearDown(link *linkState) {
	for _, sub := range link.subs {
		sub()
	}
	link.subs = nil
	link.phase = linkTornDown
}

func (self *LinkManager) resolveAll() {
	var resolved []*linkState
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, link := range self.links {
			if link.phase != linkUnresolved {
				continue
			}
			_, sourceOk := self.store.GetModel(link.source.modelId)
			_, targetOk := self.store.GetModel(link.target.modelId)
			if !sourceOk || !targetOk {
				continue
			}
			link.phase = linkActive
			resolved = append(resolved, link)
		}
	}()

	for _, link := range resolved {
		self.activate(link)
	}
}

func (self *LinkManager) activate(link *linkState) {
	glog.V(1).Infof("[link]%s active\n", link.linkId)

	// one immediate source -> target copy. For a bidirectional link this is
	// the sole initial direction.
	if model, ok := self.store.GetModel(link.source.modelId); ok {
		if value, ok := model.State[link.source.attribute]; ok {
			self.propagate(link, link.target, value)
		}
	}

	forward := self.store.AddKeyCallback(link.source.modelId, link.source.attribute, func(value any) {
		if link.propagating {
			return
		}
		self.propagate(link, link.target, value)
	})
	subs := []func(){forward}
	if link.bidirectional {
		reverse := self.store.AddKeyCallback(link.target.modelId, link.target.attribute, func(value any) {
			if link.propagating {
				return
			}
			self.propagate(link, link.source, value)
		})
		subs = append(subs, reverse)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if link.phase == linkTornDown {
		// deleted while activating
		for _, sub := range subs {
			sub()
		}
		return
	}
	link.subs = subs
}

func (self *LinkManager) propagate(link *linkState, to linkEndpoint, value any) {
	link.propagating = true
	defer func() {
		link.propagating = false
	}()
	self.store.UpdateModel(to.modelId, map[string]any{to.attribute: value}, nil)
}

// parseEndpoint reads a `(modelRef, attributeName)` pair from link state.
func parseEndpoint(value any) (linkEndpoint, bool) {
	pair, ok := value.([]any)
	if !ok || len(pair) != 2 {
		return linkEndpoint{}, false
	}
	modelId, ok := ParseModelRef(pair[0])
	if !ok {
		return linkEndpoint{}, false
	}
	attribute, ok := pair[1].(string)
	if !ok || attribute == "" {
		return linkEndpoint{}, false
	}
	return linkEndpoint{
		modelId:   modelId,
		attribute: attribute,
	}, true
}
