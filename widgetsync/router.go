package widgetsync

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// SendFunc hands a constructed outbound envelope to the transport.
type SendFunc = func(envelope *Envelope) error

const (
	commMethodUpdate     = "update"
	commMethodEchoUpdate = "echo_update"
	commMethodCustom     = "custom"
)

type CommRouterSettings struct {
	Username string
	Channel  string
}

func DefaultCommRouterSettings() *CommRouterSettings {
	return &CommRouterSettings{
		Username: "widgetsync",
		Channel:  "shell",
	}
}

// CommRouter translates between the comm wire protocol and store operations.
// Inbound envelopes become store mutations; store-originated intents become
// protocol envelopes handed to the injected send function.
//
// A single malformed message must not take down the session: malformed
// content degrades silently with a log line, never a panic.
type CommRouter struct {
	store *Store
	send  SendFunc

	// stable for the process lifetime
	session string

	settings *CommRouterSettings

	stateLock sync.Mutex
	// comm id -> in flight optimistic updates awaiting a kernel echo
	pendingEcho map[string]int
}

func NewCommRouterWithDefaults(store *Store, send SendFunc) *CommRouter {
	return NewCommRouter(store, send, DefaultCommRouterSettings())
}

func NewCommRouter(store *Store, send SendFunc, settings *CommRouterSettings) *CommRouter {
	return &CommRouter{
		store:       store,
		send:        send,
		session:     NewId().String(),
		settings:    settings,
		pendingEcho: map[string]int{},
	}
}

func (self *CommRouter) Session() string {
	return self.session
}

// HandleMessage is the transport-in entry point. Messages with no comm id
// are ignored.
func (self *CommRouter) HandleMessage(envelope *Envelope) {
	commId, ok := envelope.CommId()
	if !ok {
		glog.V(2).Infof("[comm]drop message with no comm id (%s)\n", envelope.Header.MsgType)
		return
	}

	switch envelope.Header.MsgType {
	case MsgTypeCommOpen:
		state, bufferPaths := commData(envelope.Content)
		state = ApplyBufferPaths(state, bufferPaths, envelope.Buffers)
		self.store.CreateModel(commId, state, envelope.Buffers)
	case MsgTypeCommMsg:
		self.handleCommMsg(commId, envelope)
	case MsgTypeCommClose:
		self.store.DeleteModel(commId)
	default:
		glog.V(2).Infof("[comm]drop %s for %s\n", envelope.Header.MsgType, commId)
	}
}

func (self *CommRouter) handleCommMsg(commId string, envelope *Envelope) {
	data, _ := envelope.Content["data"].(map[string]any)
	method, _ := data["method"].(string)
	switch method {
	case commMethodUpdate:
		state, bufferPaths := commData(envelope.Content)
		state = ApplyBufferPaths(state, bufferPaths, envelope.Buffers)
		self.store.UpdateModel(commId, state, envelope.Buffers)
	case commMethodEchoUpdate:
		// the kernel reflects updates back to all clients, including the
		// one that sent them. Swallow our own echoes so subscribers do not
		// see a no-op second notification.
		if self.takePendingEcho(commId) {
			glog.V(2).Infof("[comm]echo suppressed %s\n", commId)
			return
		}
		state, bufferPaths := commData(envelope.Content)
		state = ApplyBufferPaths(state, bufferPaths, envelope.Buffers)
		self.store.UpdateModel(commId, state, envelope.Buffers)
	case commMethodCustom:
		// content and buffers forwarded unchanged
		self.store.EmitCustomMessage(commId, data["content"], envelope.Buffers)
	default:
		glog.Infof("[comm]unknown method %q for %s\n", method, commId)
	}
}

// OpenComm creates a model locally and announces it to the kernel.
func (self *CommRouter) OpenComm(commId string, targetName string, state map[string]any, buffers [][]byte) error {
	self.store.CreateModel(commId, state, buffers)
	data, bufferPaths, outBuffers := splitBuffers(state, buffers)
	return self.sendEnvelope(MsgTypeCommOpen, map[string]any{
		"comm_id":     commId,
		"target_name": targetName,
		"data": map[string]any{
			"state":        data,
			"buffer_paths": bufferPaths,
		},
	}, outBuffers)
}

// SendUpdate applies the patch to the store immediately, so the view
// reflects the user's action before any round trip, then hands an update
// envelope to the transport. Binary values inside the patch are auto-detected
// and moved to out-of-band buffers.
func (self *CommRouter) SendUpdate(commId string, patch map[string]any, buffers [][]byte) error {
	self.store.UpdateModel(commId, patch, buffers)

	state, bufferPaths, outBuffers := splitBuffers(patch, buffers)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.pendingEcho[commId] += 1
	}()
	err := self.sendEnvelope(MsgTypeCommMsg, map[string]any{
		"comm_id": commId,
		"data": map[string]any{
			"method":       commMethodUpdate,
			"state":        state,
			"buffer_paths": bufferPaths,
		},
	}, outBuffers)
	if err != nil {
		// no echo is coming for an update that never left. A stale count
		// here would swallow the next foreign echo instead.
		self.takePendingEcho(commId)
	}
	return err
}

// SendCustom is transport only. No store mutation.
func (self *CommRouter) SendCustom(commId string, content any, buffers [][]byte) error {
	return self.sendEnvelope(MsgTypeCommMsg, map[string]any{
		"comm_id": commId,
		"data": map[string]any{
			"method":  commMethodCustom,
			"content": content,
		},
	}, buffers)
}

// CloseComm sends a close envelope, then deletes the local model regardless
// of transport success.
func (self *CommRouter) CloseComm(commId string) error {
	err := self.sendEnvelope(MsgTypeCommClose, map[string]any{
		"comm_id": commId,
		"data":    map[string]any{},
	}, nil)
	self.store.DeleteModel(commId)
	return err
}

func (self *CommRouter) sendEnvelope(msgType string, content map[string]any, buffers [][]byte) error {
	envelope := &Envelope{
		Header:       NewHeader(msgType, self.settings.Username, self.session),
		ParentHeader: nil,
		Metadata:     map[string]any{},
		Content:      content,
		Buffers:      buffers,
		Channel:      self.settings.Channel,
	}
	if self.send == nil {
		glog.Infof("[comm]no transport, dropping outbound %s\n", msgType)
		return nil
	}
	if err := self.send(envelope); err != nil {
		glog.Infof("[comm]send %s error = %s\n", msgType, err)
		return err
	}
	return nil
}

func (self *CommRouter) takePendingEcho(commId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.pendingEcho[commId] <= 0 {
		return false
	}
	self.pendingEcho[commId] -= 1
	if self.pendingEcho[commId] == 0 {
		delete(self.pendingEcho, commId)
	}
	return true
}

// commData reads `content.data.state` and optional `content.data.buffer_paths`.
func commData(content map[string]any) (map[string]any, [][]string) {
	data, _ := content["data"].(map[string]any)
	state, _ := data["state"].(map[string]any)
	if state == nil {
		state = map[string]any{}
	}
	return state, toBufferPaths(data["buffer_paths"])
}

// toBufferPaths converts the JSON-decoded `buffer_paths` value, an array of
// string arrays, tolerating malformed entries.
func toBufferPaths(value any) [][]string {
	entries, ok := value.([]any)
	if !ok {
		return nil
	}
	paths := make([][]string, 0, len(entries))
	for _, entry := range entries {
		keys, ok := entry.([]any)
		if !ok {
			paths = append(paths, nil)
			continue
		}
		path := make([]string, 0, len(keys))
		for _, key := range keys {
			s, ok := key.(string)
			if !ok {
				glog.V(1).Infof("[comm]non-string buffer path element %v\n", key)
			}
			path = append(path, s)
		}
		paths = append(paths, path)
	}
	return paths
}

// splitBuffers moves binary values out of the state object into positional
// buffers, appending to any explicitly passed buffers.
func splitBuffers(state map[string]any, buffers [][]byte) (map[string]any, [][]string, [][]byte) {
	out := maps.Clone(state)
	if out == nil {
		out = map[string]any{}
	}
	foundPaths := FindBufferPaths(out)
	if len(foundPaths) == 0 {
		return out, [][]string{}, buffers
	}
	// deep-copy along found paths before extraction mutates them
	for _, path := range foundPaths {
		obj := out
		for _, key := range path[:len(path)-1] {
			child, _ := obj[key].(map[string]any)
			cloned := maps.Clone(child)
			obj[key] = cloned
			obj = cloned
		}
	}
	extracted := ExtractBuffers(out, foundPaths)
	outBuffers := make([][]byte, 0, len(buffers)+len(extracted))
	outBuffers = append(outBuffers, extracted...)
	outBuffers = append(outBuffers, buffers...)
	return out, foundPaths, outBuffers
}
