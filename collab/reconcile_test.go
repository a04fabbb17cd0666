package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReconcileMoveAfterAdd(t *testing.T) {
	doc := NewDocument()

	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{
		Id: "m1",
		X:  0,
		Y:  0,
	}))
	assert.Equal(t, 1, len(doc.Modules))

	// many coalesced moves, last one wins
	for i := 0; i < 10; i += 1 {
		doc = ApplyUpdate(doc, NewModuleMoveUpdate("m1", float64(i), float64(2*i)))
	}
	doc = ApplyUpdate(doc, NewModuleMoveUpdate("m1", 10, 20))

	module := doc.Module("m1")
	assert.NotEqual(t, module, nil)
	assert.Equal(t, float64(10), module.X)
	assert.Equal(t, float64(20), module.Y)
}

func TestReconcileMoveMissingModule(t *testing.T) {
	// client B never saw m1. The move applies as a no-op.
	doc := NewDocument()

	next := ApplyUpdate(doc, NewModuleMoveUpdate("m1", 10, 20))
	assert.Equal(t, 0, len(next.Modules))
}

func TestReconcileDeletePrunesLinks(t *testing.T) {
	doc := NewDocument()

	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{Id: "m1"}))
	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{Id: "m2"}))
	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{Id: "m3"}))
	doc = ApplyUpdate(doc, NewLinkAddUpdate(&Link{Id: "l1", From: "m1", To: "m2"}))
	doc = ApplyUpdate(doc, NewLinkAddUpdate(&Link{Id: "l2", From: "m2", To: "m3"}))
	doc = ApplyUpdate(doc, NewLinkAddUpdate(&Link{Id: "l3", From: "m1", To: "m3"}))

	// the link arrived before the delete. Both endpoints referencing
	// m2 are pruned with it.
	doc = ApplyUpdate(doc, NewModuleDeleteUpdate("m2"))

	assert.Equal(t, 2, len(doc.Modules))
	assert.Equal(t, 1, len(doc.Links))
	assert.Equal(t, "l3", doc.Links[0].Id)
	assert.Equal(t, doc.Module("m2"), nil)
}

func TestReconcileDeletePrunesLateLink(t *testing.T) {
	// a link added after the module but before the delete is applied
	// is pruned all the same
	doc := NewDocument()

	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{Id: "m1"}))
	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{Id: "m2"}))
	doc = ApplyUpdate(doc, NewLinkAddUpdate(&Link{Id: "l1", From: "m1", To: "m2"}))
	doc = ApplyUpdate(doc, NewModuleDeleteUpdate("m2"))

	assert.Equal(t, 0, len(doc.Links))
}

func TestReconcileConfigMerge(t *testing.T) {
	doc := NewDocument()

	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{
		Id: "m1",
		Params: map[string]any{
			"name":  "install nginx",
			"state": "present",
		},
	}))

	doc = ApplyUpdate(doc, NewModuleConfigUpdate("m1", "state", "latest"))

	module := doc.Module("m1")
	// one key replaced, the others preserved
	assert.Equal(t, "latest", module.Params["state"])
	assert.Equal(t, "install nginx", module.Params["name"])

	// config on a missing module is a no-op
	next := ApplyUpdate(doc, NewModuleConfigUpdate("gone", "state", "absent"))
	assert.Equal(t, next.Module("gone"), nil)
}

func TestReconcileResize(t *testing.T) {
	doc := NewDocument()

	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{Id: "m1", Width: 100, Height: 50}))
	doc = ApplyUpdate(doc, NewModuleResizeUpdate("m1", 200, 80))

	module := doc.Module("m1")
	assert.Equal(t, float64(200), module.Width)
	assert.Equal(t, float64(80), module.Height)
}

func TestReconcileLinkDelete(t *testing.T) {
	doc := NewDocument()

	doc = ApplyUpdate(doc, NewLinkAddUpdate(&Link{Id: "l1", From: "m1", To: "m2"}))
	doc = ApplyUpdate(doc, NewLinkDeleteUpdate("l1"))
	assert.Equal(t, 0, len(doc.Links))

	// deleting an unknown link is a no-op
	doc = ApplyUpdate(doc, NewLinkDeleteUpdate("l1"))
	assert.Equal(t, 0, len(doc.Links))
}

func TestReconcilePlayUpdate(t *testing.T) {
	doc := NewDocument()
	doc.Plays["p1"] = &Play{
		Id: "p1",
		Fields: map[string]any{
			"hosts": "all",
			"roles": []any{"common"},
		},
	}

	doc = ApplyUpdate(doc, NewPlayUpdate("p1", "hosts", "webservers"))

	play := doc.Plays["p1"]
	assert.Equal(t, "webservers", play.Fields["hosts"])
	assert.Equal(t, []any{"common"}, play.Fields["roles"])

	// role changes travel as play updates, not as their own kind
	doc = ApplyUpdate(doc, NewPlayUpdate("p1", "roles", []any{"common", "nginx"}))
	assert.Equal(t, []any{"common", "nginx"}, doc.Plays["p1"].Fields["roles"])

	// missing play is a no-op
	next := ApplyUpdate(doc, NewPlayUpdate("p2", "hosts", "db"))
	_, ok := next.Plays["p2"]
	assert.Equal(t, false, ok)
}

func TestReconcileVariableIndexRace(t *testing.T) {
	doc := NewDocument()

	doc = ApplyUpdate(doc, NewVariableAddUpdate(&Variable{Id: "v1", Name: "http_port", Value: 80}))
	doc = ApplyUpdate(doc, NewVariableAddUpdate(&Variable{Id: "v2", Name: "max_clients", Value: 200}))

	// delete at index 1, then an update addressed at the now-shifted
	// index 1 must not throw
	doc = ApplyUpdate(doc, NewVariableDeleteUpdate(1))
	doc = ApplyUpdate(doc, NewVariableUpdate(1, 512))

	assert.Equal(t, 1, len(doc.Variables))
	assert.Equal(t, 80, doc.Variables[0].Value)

	// in-bounds update addresses positionally
	doc = ApplyUpdate(doc, NewVariableUpdate(0, 8080))
	assert.Equal(t, 8080, doc.Variables[0].Value)

	// negative and past-the-end are no-ops
	doc = ApplyUpdate(doc, NewVariableUpdate(-1, 0))
	doc = ApplyUpdate(doc, NewVariableDeleteUpdate(5))
	assert.Equal(t, 1, len(doc.Variables))
}

func TestReconcileCollapse(t *testing.T) {
	doc := NewDocument()

	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{Id: "m1"}))
	doc = ApplyUpdate(doc, NewBlockCollapseUpdate("m1", true))
	assert.Equal(t, true, doc.Module("m1").Collapsed)

	doc = ApplyUpdate(doc, NewSectionCollapseUpdate("pre_tasks", true))
	assert.Equal(t, true, doc.CollapsedSections["pre_tasks"])
	doc = ApplyUpdate(doc, NewSectionCollapseUpdate("pre_tasks", false))
	assert.Equal(t, false, doc.CollapsedSections["pre_tasks"])
}

func TestReconcileUnknownKind(t *testing.T) {
	doc := NewDocument()
	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{Id: "m1"}))

	next := ApplyUpdate(doc, &UpdateEvent{Kind: UpdateKind("galaxy_import")})
	assert.Equal(t, doc, next)

	next = ApplyUpdate(doc, nil)
	assert.Equal(t, doc, next)
}

func TestReconcilePure(t *testing.T) {
	// the input document is never mutated
	doc := NewDocument()
	doc = ApplyUpdate(doc, NewModuleAddUpdate(&Module{Id: "m1", X: 1, Y: 2}))
	doc = ApplyUpdate(doc, NewLinkAddUpdate(&Link{Id: "l1", From: "m1", To: "m1"}))

	before := doc
	beforeModule := doc.Module("m1")

	next := ApplyUpdate(doc, NewModuleMoveUpdate("m1", 9, 9))
	assert.Equal(t, float64(1), beforeModule.X)
	assert.Equal(t, 1, len(before.Links))
	assert.Equal(t, float64(9), next.Module("m1").X)

	next = ApplyUpdate(doc, NewModuleDeleteUpdate("m1"))
	assert.Equal(t, 1, len(before.Modules))
	assert.Equal(t, 1, len(before.Links))
	assert.Equal(t, 0, len(next.Modules))
	assert.Equal(t, 0, len(next.Links))
}
