package widgetsync

import (
	"sync"

	"github.com/golang/glog"
)

// CanvasRouter fans drawing command messages out from a headless coordinator
// model to the drawing surface models they address.
//
// The coordinator receives custom messages whose first buffer is a JSON
// command list. The router scans each list for `switchCanvas` operations; the
// most recently seen target is remembered across messages, since non-batched
// traffic does not repeat the switch tag. The message is then re-emitted,
// content and raw buffers unchanged, addressed to each resolved target
// surface's own id.
//
// Routing subscriptions are reference counted: surfaces sharing one
// coordinator share one underlying subscription, torn down when the last
// referencing surface releases it. The routing table is owned by the router
// instance, constructed once per session, never a process global.
type CanvasRouter struct {
	store *Store

	stateLock sync.Mutex
	// coordinator model id -> route
	routes map[string]*canvasRoute
}

type canvasRoute struct {
	refCount int
	unsub    func()
	// sticky current target surface id
	currentTargetId string
}

func NewCanvasRouter(store *Store) *CanvasRouter {
	return &CanvasRouter{
		store:  store,
		routes: map[string]*canvasRoute{},
	}
}

// AcquireRoute subscribes the router to a coordinator model, or bumps the
// reference count of the existing subscription. The returned release
// function must be called when the referencing surface unmounts; the
// underlying subscription is torn down when the last reference is released.
func (self *CanvasRouter) AcquireRoute(coordinatorId string) func() {
	self.stateLock.Lock()
	route, ok := self.routes[coordinatorId]
	if ok {
		route.refCount += 1
		self.stateLock.Unlock()
	} else {
		route = &canvasRoute{
			refCount: 1,
		}
		self.routes[coordinatorId] = route
		self.stateLock.Unlock()

		// subscribe outside the lock. Replayed messages route immediately.
		unsub := self.store.AddCustomMessageCallback(coordinatorId, func(content any, buffers [][]byte) {
			self.route(coordinatorId, route, content, buffers)
		})

		self.stateLock.Lock()
		if self.routes[coordinatorId] == route && 0 < route.refCount {
			route.unsub = unsub
			self.stateLock.Unlock()
		} else {
			// released during subscription
			self.stateLock.Unlock()
			unsub()
		}
	}

	released := false
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if released {
			return
		}
		released = true
		route.refCount -= 1
		if route.refCount <= 0 {
			if route.unsub != nil {
				route.unsub()
			}
			delete(self.routes, coordinatorId)
		}
	}
}

// RouteCount reports the number of live coordinator subscriptions.
func (self *CanvasRouter) RouteCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.routes)
}

func (self *CanvasRouter) route(coordinatorId string, route *canvasRoute, content any, buffers [][]byte) {
	calls, err := DecodeCanvasCommands(buffers)
	if err != nil {
		glog.Infof("[cv]%s route decode error = %s\n", coordinatorId, err)
		return
	}

	targetIds := FindSwitchTargets(calls)

	var emitIds []string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if len(targetIds) == 0 {
			// no switch tag: the sticky target from earlier traffic applies
			if route.currentTargetId != "" {
				emitIds = []string{route.currentTargetId}
			}
			return
		}
		seen := map[string]bool{}
		for _, targetId := range targetIds {
			if targetId == coordinatorId {
				// re-emitting to our own subscription would recurse without
				// bound on a malformed self reference
				glog.Infof("[cv]%s switch to self dropped\n", coordinatorId)
				continue
			}
			if !seen[targetId] {
				seen[targetId] = true
				emitIds = append(emitIds, targetId)
			}
		}
		if last := targetIds[len(targetIds)-1]; last != coordinatorId {
			route.currentTargetId = last
		}
	}()

	for _, targetId := range emitIds {
		if _, ok := self.store.GetModel(targetId); !ok {
			// dangling reference, possibly not yet materialized
			glog.V(1).Infof("[cv]%s target %s not in store, dropped\n", coordinatorId, targetId)
			continue
		}
		glog.V(2).Infof("[cv]%s -> %s\n", coordinatorId, targetId)
		self.store.EmitCustomMessage(targetId, content, buffers)
	}
}
