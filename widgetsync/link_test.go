package widgetsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func createLinkModel(store *Store, linkId string, modelName string, sourceId string, sourceAttr string, targetId string, targetAttr string) {
	store.CreateModel(linkId, map[string]any{
		"_model_name": modelName,
		"source":      []any{FormatModelRef(sourceId), sourceAttr},
		"target":      []any{FormatModelRef(targetId), targetAttr},
	}, nil)
}

func TestLinkBidirectional(t *testing.T) {
	store := NewStoreWithDefaults()
	manager := NewLinkManager(store)
	defer manager.Close()

	store.CreateModel("a", map[string]any{"x": float64(1)}, nil)
	store.CreateModel("b", map[string]any{"y": float64(0)}, nil)
	createLinkModel(store, "l1", "LinkModel", "a", "x", "b", "y")

	// activation performs one immediate source -> target copy
	model, _ := store.GetModel("b")
	assert.Equal(t, float64(1), model.State["y"])

	aNotified := 0
	store.AddKeyCallback("a", "x", func(value any) {
		aNotified += 1
	})

	store.UpdateModel("a", map[string]any{"x": float64(5)}, nil)
	model, _ = store.GetModel("b")
	assert.Equal(t, float64(5), model.State["y"])
	// the propagation does not bounce a second round back to the source
	assert.Equal(t, 1, aNotified)

	// and the reverse direction works
	store.UpdateModel("b", map[string]any{"y": float64(9)}, nil)
	model, _ = store.GetModel("a")
	assert.Equal(t, float64(9), model.State["x"])
}

func TestLinkDirectional(t *testing.T) {
	store := NewStoreWithDefaults()
	manager := NewLinkManager(store)
	defer manager.Close()

	store.CreateModel("a", map[string]any{"x": float64(1)}, nil)
	store.CreateModel("b", map[string]any{"y": float64(0)}, nil)
	createLinkModel(store, "l1", "DirectionalLinkModel", "a", "x", "b", "y")

	store.UpdateModel("a", map[string]any{"x": float64(5)}, nil)
	model, _ := store.GetModel("b")
	assert.Equal(t, float64(5), model.State["y"])

	// a directional link does not mirror target back to source
	store.UpdateModel("b", map[string]any{"y": float64(9)}, nil)
	model, _ = store.GetModel("a")
	assert.Equal(t, float64(5), model.State["x"])
}

func TestLinkLateResolution(t *testing.T) {
	store := NewStoreWithDefaults()
	manager := NewLinkManager(store)
	defer manager.Close()

	// the link is declared before either endpoint exists. Resolution is
	// retried on every store change until both appear.
	createLinkModel(store, "l1", "LinkModel", "a", "x", "b", "y")

	store.CreateModel("a", map[string]any{"x": float64(3)}, nil)
	_, ok := store.GetModel("b")
	assert.Equal(t, false, ok)

	store.CreateModel("b", map[string]any{"y": float64(0)}, nil)
	model, _ := store.GetModel("b")
	assert.Equal(t, float64(3), model.State["y"])
}

func TestLinkTornDownOnDelete(t *testing.T) {
	store := NewStoreWithDefaults()
	manager := NewLinkManager(store)
	defer manager.Close()

	store.CreateModel("a", map[string]any{"x": float64(1)}, nil)
	store.CreateModel("b", map[string]any{"y": float64(0)}, nil)
	createLinkModel(store, "l1", "LinkModel", "a", "x", "b", "y")

	store.DeleteModel("l1")
	store.UpdateModel("a", map[string]any{"x": float64(5)}, nil)
	model, _ := store.GetModel("b")
	assert.Equal(t, float64(1), model.State["y"])
}

func TestLinkDeletedBeforeResolutionNeverActivates(t *testing.T) {
	store := NewStoreWithDefaults()
	manager := NewLinkManager(store)
	defer manager.Close()

	createLinkModel(store, "l1", "LinkModel", "a", "x", "b", "y")
	store.DeleteModel("l1")

	store.CreateModel("a", map[string]any{"x": float64(3)}, nil)
	store.CreateModel("b", map[string]any{"y": float64(0)}, nil)

	store.UpdateModel("a", map[string]any{"x": float64(5)}, nil)
	model, _ := store.GetModel("b")
	assert.Equal(t, float64(0), model.State["y"])
}

func TestLinkMalformedEndpointsIgnored(t *testing.T) {
	store := NewStoreWithDefaults()
	manager := NewLinkManager(store)
	defer manager.Close()

	store.CreateModel("l1", map[string]any{
		"_model_name": "LinkModel",
		"source":      "not a pair",
		"target":      []any{FormatModelRef("b"), "y"},
	}, nil)

	// no panic, nothing tracked
	store.CreateModel("b", map[string]any{"y": float64(0)}, nil)
}
