package collab

import (
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// ApplyUpdate applies one remote update to local document state and
// returns the next state. The input document is never mutated; only the
// changed substructure is copied.
//
// delivery across clients is unordered, so every branch is total: an
// event referencing a now-missing target degrades to a no-op, never a
// crash. Conflicts resolve last-write-wins per field/element in arrival
// order.
func ApplyUpdate(doc *Document, event *UpdateEvent) *Document {
	if doc == nil {
		doc = NewDocument()
	}
	if event == nil {
		return doc
	}

	switch event.Kind {
	case UpdateModuleAdd:
		if event.Module == nil {
			return doc
		}
		// no dedup on id. A later event targeting the same id resolves
		// against the first match, so the earlier add stays authoritative
		// until a field update lands.
		next := doc.Copy()
		next.Modules = append(next.Modules, event.Module)
		return next

	case UpdateModuleMove:
		return replaceModule(doc, event.ModuleId, func(module *Module) {
			module.X = event.X
			module.Y = event.Y
		})

	case UpdateModuleResize:
		return replaceModule(doc, event.ModuleId, func(module *Module) {
			module.Width = event.Width
			module.Height = event.Height
		})

	case UpdateModuleConfig:
		return replaceModule(doc, event.ModuleId, func(module *Module) {
			if module.Params == nil {
				module.Params = map[string]any{}
			}
			module.Params[event.Field] = event.Value
		})

	case UpdateBlockCollapse:
		return replaceModule(doc, event.ModuleId, func(module *Module) {
			module.Collapsed = event.Collapsed
		})

	case UpdateModuleDelete:
		i := slices.IndexFunc(doc.Modules, func(module *Module) bool {
			return module.Id == event.ModuleId
		})
		next := doc.Copy()
		if 0 <= i {
			next.Modules = slices.Delete(slices.Clone(doc.Modules), i, i+1)
		}
		// prune every link that referenced the module, including links
		// that arrived after the module but before this delete
		next.Links = slices.DeleteFunc(slices.Clone(doc.Links), func(link *Link) bool {
			return link.From == event.ModuleId || link.To == event.ModuleId
		})
		return next

	case UpdateLinkAdd:
		if event.Link == nil {
			return doc
		}
		next := doc.Copy()
		next.Links = append(next.Links, event.Link)
		return next

	case UpdateLinkDelete:
		next := doc.Copy()
		next.Links = slices.DeleteFunc(slices.Clone(doc.Links), func(link *Link) bool {
			return link.Id == event.LinkId
		})
		return next

	case UpdatePlayUpdate:
		play, ok := doc.Plays[event.PlayId]
		if !ok {
			// play deleted locally, tolerate the race
			return doc
		}
		next := doc.Copy()
		nextPlay := play.Copy()
		if nextPlay.Fields == nil {
			nextPlay.Fields = map[string]any{}
		}
		nextPlay.Fields[event.Field] = event.Value
		next.Plays[event.PlayId] = nextPlay
		return next

	case UpdateVariableAdd:
		if event.Variable == nil {
			return doc
		}
		next := doc.Copy()
		next.Variables = append(next.Variables, event.Variable)
		return next

	case UpdateVariableUpdate:
		// positional. The index may have shifted under a concurrent
		// delete; out of bounds is a no-op.
		if event.Index < 0 || len(doc.Variables) <= event.Index {
			return doc
		}
		next := doc.Copy()
		nextVariable := doc.Variables[event.Index].Copy()
		nextVariable.Value = event.Value
		next.Variables[event.Index] = nextVariable
		return next

	case UpdateVariableDelete:
		if event.Index < 0 || len(doc.Variables) <= event.Index {
			return doc
		}
		next := doc.Copy()
		next.Variables = slices.Delete(slices.Clone(doc.Variables), event.Index, event.Index+1)
		return next

	case UpdateSectionCollapse:
		next := doc.Copy()
		if next.CollapsedSections == nil {
			next.CollapsedSections = map[string]bool{}
		}
		next.CollapsedSections[event.SectionId] = event.Collapsed
		return next

	default:
		glog.Warningf("[rc]unknown update kind %s\n", event.Kind)
		return doc
	}
}

func replaceModule(doc *Document, moduleId string, update func(*Module)) *Document {
	i := slices.IndexFunc(doc.Modules, func(module *Module) bool {
		return module.Id == moduleId
	})
	if i < 0 {
		// module deleted locally, tolerate the race
		return doc
	}
	next := doc.Copy()
	nextModule := doc.Modules[i].Copy()
	update(nextModule)
	next.Modules[i] = nextModule
	return next
}
