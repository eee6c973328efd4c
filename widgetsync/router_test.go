package widgetsync

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func inboundEnvelope(msgType string, content map[string]any, buffers [][]byte) *Envelope {
	return &Envelope{
		Header:  NewHeader(msgType, "kernel", "kernel-session"),
		Content: content,
		Buffers: buffers,
		Channel: "iopub",
	}
}

func TestRouterOpenUpdateClose(t *testing.T) {
	store := NewStoreWithDefaults()
	router := NewCommRouterWithDefaults(store, nil)

	router.HandleMessage(inboundEnvelope(MsgTypeCommOpen, map[string]any{
		"comm_id":     "w1",
		"target_name": WidgetTargetName,
		"data": map[string]any{
			"state": map[string]any{
				"_model_name": "IntSliderModel",
				"value":       float64(5),
			},
		},
	}, nil))

	model, ok := store.GetModel("w1")
	assert.Equal(t, true, ok)
	assert.Equal(t, "IntSliderModel", model.ModelName)
	assert.Equal(t, float64(5), model.State["value"])

	router.HandleMessage(inboundEnvelope(MsgTypeCommMsg, map[string]any{
		"comm_id": "w1",
		"data": map[string]any{
			"method": "update",
			"state":  map[string]any{"value": float64(7)},
		},
	}, nil))

	model, _ = store.GetModel("w1")
	assert.Equal(t, float64(7), model.State["value"])

	router.HandleMessage(inboundEnvelope(MsgTypeCommClose, map[string]any{
		"comm_id": "w1",
		"data":    map[string]any{},
	}, nil))

	_, ok = store.GetModel("w1")
	assert.Equal(t, false, ok)
}

func TestRouterBufferReembedding(t *testing.T) {
	store := NewStoreWithDefaults()
	router := NewCommRouterWithDefaults(store, nil)

	b1 := []byte{1, 2, 3}
	router.HandleMessage(inboundEnvelope(MsgTypeCommOpen, map[string]any{
		"comm_id": "w1",
		"data": map[string]any{
			"state": map[string]any{
				"image": map[string]any{},
			},
			"buffer_paths": []any{[]any{"image", "data"}},
		},
	}, [][]byte{b1}))

	model, _ := store.GetModel("w1")
	image := model.State["image"].(map[string]any)
	assert.Equal(t, b1, image["data"])
}

func TestRouterIgnoresMessagesWithoutCommId(t *testing.T) {
	store := NewStoreWithDefaults()
	router := NewCommRouterWithDefaults(store, nil)

	router.HandleMessage(inboundEnvelope(MsgTypeCommOpen, map[string]any{
		"data": map[string]any{"state": map[string]any{}},
	}, nil))
	router.HandleMessage(inboundEnvelope("status", map[string]any{}, nil))

	assert.Equal(t, 0, len(store.Snapshot()))
}

func TestRouterCustomForwardedUnchanged(t *testing.T) {
	store := NewStoreWithDefaults()
	router := NewCommRouterWithDefaults(store, nil)
	store.CreateModel("w1", map[string]any{}, nil)

	var gotContent any
	var gotBuffers [][]byte
	store.AddCustomMessageCallback("w1", func(content any, buffers [][]byte) {
		gotContent = content
		gotBuffers = buffers
	})

	b1 := []byte{9, 9}
	router.HandleMessage(inboundEnvelope(MsgTypeCommMsg, map[string]any{
		"comm_id": "w1",
		"data": map[string]any{
			"method":  "custom",
			"content": map[string]any{"event": "click"},
		},
	}, [][]byte{b1}))

	content := gotContent.(map[string]any)
	assert.Equal(t, "click", content["event"])
	assert.Equal(t, 1, len(gotBuffers))
	assert.Equal(t, b1, gotBuffers[0])
}

func TestRouterSendUpdateOptimistic(t *testing.T) {
	store := NewStoreWithDefaults()
	sent := []*Envelope{}
	router := NewCommRouterWithDefaults(store, func(envelope *Envelope) error {
		sent = append(sent, envelope)
		return nil
	})
	store.CreateModel("w1", map[string]any{"value": float64(1)}, nil)

	err := router.SendUpdate("w1", map[string]any{"value": float64(2)}, nil)
	assert.Equal(t, nil, err)

	// the local model reflects the patch before any round trip
	model, _ := store.GetModel("w1")
	assert.Equal(t, float64(2), model.State["value"])

	assert.Equal(t, 1, len(sent))
	envelope := sent[0]
	assert.Equal(t, MsgTypeCommMsg, envelope.Header.MsgType)
	assert.Equal(t, ProtocolVersion, envelope.Header.Version)
	assert.Equal(t, router.Session(), envelope.Header.Session)
	assert.NotEqual(t, "", envelope.Header.MsgId)
	data := envelope.Content["data"].(map[string]any)
	assert.Equal(t, "update", data["method"])
	state := data["state"].(map[string]any)
	assert.Equal(t, float64(2), state["value"])
}

func TestRouterSendUpdateExtractsBuffers(t *testing.T) {
	store := NewStoreWithDefaults()
	sent := []*Envelope{}
	router := NewCommRouterWithDefaults(store, func(envelope *Envelope) error {
		sent = append(sent, envelope)
		return nil
	})
	store.CreateModel("w1", map[string]any{}, nil)

	b1 := []byte{1, 2}
	router.SendUpdate("w1", map[string]any{"payload": b1}, nil)

	envelope := sent[0]
	data := envelope.Content["data"].(map[string]any)
	paths := data["buffer_paths"].([][]string)
	assert.Equal(t, 1, len(paths))
	assert.Equal(t, []string{"payload"}, paths[0])
	assert.Equal(t, 1, len(envelope.Buffers))
	assert.Equal(t, b1, envelope.Buffers[0])
	state := data["state"].(map[string]any)
	assert.Equal(t, nil, state["payload"])
}

func TestRouterEchoSuppression(t *testing.T) {
	store := NewStoreWithDefaults()
	router := NewCommRouterWithDefaults(store, func(envelope *Envelope) error {
		return nil
	})
	store.CreateModel("w1", map[string]any{"value": float64(1)}, nil)

	notified := 0
	store.AddKeyCallback("w1", "value", func(value any) {
		notified += 1
	})

	router.SendUpdate("w1", map[string]any{"value": float64(2)}, nil)
	assert.Equal(t, 1, notified)

	// the kernel's echo of our own update does not re-notify
	router.HandleMessage(inboundEnvelope(MsgTypeCommMsg, map[string]any{
		"comm_id": "w1",
		"data": map[string]any{
			"method": "echo_update",
			"state":  map[string]any{"value": float64(2)},
		},
	}, nil))
	assert.Equal(t, 1, notified)

	// an echo of someone else's update applies normally
	router.HandleMessage(inboundEnvelope(MsgTypeCommMsg, map[string]any{
		"comm_id": "w1",
		"data": map[string]any{
			"method": "echo_update",
			"state":  map[string]any{"value": float64(3)},
		},
	}, nil))
	assert.Equal(t, 2, notified)
	model, _ := store.GetModel("w1")
	assert.Equal(t, float64(3), model.State["value"])
}

func TestRouterFailedSendDoesNotSwallowForeignEcho(t *testing.T) {
	store := NewStoreWithDefaults()
	router := NewCommRouterWithDefaults(store, func(envelope *Envelope) error {
		return assertableError("socket closed")
	})
	store.CreateModel("w1", map[string]any{"value": float64(1)}, nil)

	err := router.SendUpdate("w1", map[string]any{"value": float64(2)}, nil)
	assert.NotEqual(t, nil, err)

	// the update never left, so no echo is coming for it. The next echo is
	// someone else's and must apply, not be swallowed by a stale count.
	router.HandleMessage(inboundEnvelope(MsgTypeCommMsg, map[string]any{
		"comm_id": "w1",
		"data": map[string]any{
			"method": "echo_update",
			"state":  map[string]any{"value": float64(9)},
		},
	}, nil))
	model, _ := store.GetModel("w1")
	assert.Equal(t, float64(9), model.State["value"])
}

func TestRouterCloseCommDeletesEvenOnTransportError(t *testing.T) {
	store := NewStoreWithDefaults()
	router := NewCommRouterWithDefaults(store, func(envelope *Envelope) error {
		return assertableError("socket closed")
	})
	store.CreateModel("w1", map[string]any{}, nil)

	err := router.CloseComm("w1")
	assert.NotEqual(t, nil, err)
	_, ok := store.GetModel("w1")
	assert.Equal(t, false, ok)
}

func TestRouterOutboundEnvelopeShape(t *testing.T) {
	store := NewStoreWithDefaults()
	sent := []*Envelope{}
	router := NewCommRouterWithDefaults(store, func(envelope *Envelope) error {
		sent = append(sent, envelope)
		return nil
	})

	router.OpenComm("w1", WidgetTargetName, map[string]any{"_model_name": "ButtonModel"}, nil)
	router.SendCustom("w1", map[string]any{"event": "click"}, nil)

	assert.Equal(t, 2, len(sent))
	// every outbound envelope carries an explicit null parent header, not an
	// omitted field
	body, err := json.Marshal(sent[0])
	assert.Equal(t, nil, err)
	assert.Equal(t, true, strings.Contains(string(body), `"parent_header":null`))
	// message ids are fresh per envelope, the session is stable
	assert.NotEqual(t, sent[0].Header.MsgId, sent[1].Header.MsgId)
	assert.Equal(t, sent[0].Header.Session, sent[1].Header.Session)
}

type assertableError string

func (self assertableError) Error() string {
	return string(self)
}
